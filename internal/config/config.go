package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Forecast ForecastConfig `yaml:"forecast" mapstructure:"forecast"`
	Model    ModelConfig    `yaml:"model" mapstructure:"model"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Alerts   AlertConfig    `yaml:"alerts" mapstructure:"alerts"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend holding daily_sales_summary.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ForecastConfig configures the forecasting pipeline.
type ForecastConfig struct {
	HorizonDays          int     `yaml:"horizon_days" mapstructure:"horizon_days"`
	Concurrency          int     `yaml:"concurrency" mapstructure:"concurrency"`
	GroupPrefixLen       int     `yaml:"group_prefix_len" mapstructure:"group_prefix_len"`
	GroupChannel         string  `yaml:"group_channel" mapstructure:"group_channel"`
	ChannelDisplayPrefix string  `yaml:"channel_display_prefix" mapstructure:"channel_display_prefix"`
	StragglerAfterSecs   int     `yaml:"straggler_after_secs" mapstructure:"straggler_after_secs"`
	MaxEntitiesPerSec    float64 `yaml:"max_entities_per_sec" mapstructure:"max_entities_per_sec"`
	Replace              bool    `yaml:"replace" mapstructure:"replace"`
}

// StragglerAfter returns the per-entity duration after which a straggler is logged.
func (f ForecastConfig) StragglerAfter() time.Duration {
	return time.Duration(f.StragglerAfterSecs) * time.Second
}

// ModelConfig configures the built-in trend model.
type ModelConfig struct {
	SeasonDays int `yaml:"season_days" mapstructure:"season_days"`
	WindowDays int `yaml:"window_days" mapstructure:"window_days"`
}

// RetryConfig configures retries of store reads.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// MetricsConfig configures Prometheus metrics export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" mapstructure:"pushgateway_url"`
	Job            string `yaml:"job" mapstructure:"job"`
}

// AlertConfig configures run health alerts.
type AlertConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinEntities          int     `yaml:"min_entities" mapstructure:"min_entities"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("forecast.horizon_days", 180)
	v.SetDefault("forecast.concurrency", 1)
	v.SetDefault("forecast.group_prefix_len", 2)
	v.SetDefault("forecast.group_channel", "ALL")
	v.SetDefault("forecast.channel_display_prefix", "Amazon.")
	v.SetDefault("forecast.straggler_after_secs", 120)
	v.SetDefault("forecast.max_entities_per_sec", 0)
	v.SetDefault("forecast.replace", false)
	v.SetDefault("model.season_days", 7)
	v.SetDefault("model.window_days", 365)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "forecast_cli")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.failure_rate_threshold", 0.10)
	v.SetDefault("alerts.min_entities", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode
// ("forecast", "serve", "migrate", "import").
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "forecast", "serve", "migrate", "import":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		problems = append(problems, "store.driver must be one of postgres, mysql, sqlite")
	}
	if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
		problems = append(problems, "store.database_url is required")
	}

	if mode == "forecast" || mode == "serve" {
		if c.Forecast.HorizonDays < 1 {
			problems = append(problems, "forecast.horizon_days must be >= 1")
		}
		if c.Forecast.Concurrency < 1 || c.Forecast.Concurrency > 64 {
			problems = append(problems, "forecast.concurrency must be between 1 and 64")
		}
		if c.Forecast.GroupPrefixLen < 1 {
			problems = append(problems, "forecast.group_prefix_len must be >= 1")
		}
		if c.Forecast.MaxEntitiesPerSec < 0 {
			problems = append(problems, "forecast.max_entities_per_sec must be >= 0")
		}
		if c.Alerts.FailureRateThreshold < 0 || c.Alerts.FailureRateThreshold > 1 {
			problems = append(problems, "alerts.failure_rate_threshold must be between 0 and 1")
		}
		if c.Model.SeasonDays < 0 {
			problems = append(problems, "model.season_days must be >= 0")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
