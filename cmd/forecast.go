package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/forecast-cli/internal/forecast"
	"github.com/sells-group/forecast-cli/internal/model"
	"github.com/sells-group/forecast-cli/internal/monitoring"
	"github.com/sells-group/forecast-cli/internal/predict"
	"github.com/sells-group/forecast-cli/internal/resilience"
	"github.com/sells-group/forecast-cli/internal/store"
)

var (
	forecastASIN        string
	forecastChannel     string
	forecastIWASKU      string
	forecastHorizon     int
	forecastConcurrency int
	forecastReplace     bool
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Generate or clear synthetic demand forecasts",
}

var forecastRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Forecast every ASIN/channel pair with actual sales",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runForecastCommand(cmd, model.RunModeEntities)
	},
}

var forecastGroupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Forecast IWASKU-prefix product groups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runForecastCommand(cmd, model.RunModeGroups)
	},
}

var forecastClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete synthetic rows of the selected entities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyForecastFlags(cmd)
		if err := cfg.Validate("forecast"); err != nil {
			return err
		}

		st, err := openMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := forecast.New(st, predict.NewTrend(cfg.Model.SeasonDays, cfg.Model.WindowDays), pipelineConfig(model.RunModeEntities, entityFilter()))
		summary, err := p.Clear(ctx)
		if err != nil {
			return eris.Wrap(err, "forecast clear")
		}

		printer := message.NewPrinter(language.English)
		_, _ = printer.Fprintf(os.Stdout, "Cleared %d forecast rows across %d entities (%d failed)\n",
			summary.RowsDeleted, summary.Entities, summary.Failed)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{forecastRunCmd, forecastGroupsCmd} {
		c.Flags().IntVar(&forecastHorizon, "horizon", 0, "forecast horizon in days (default from config)")
		c.Flags().IntVar(&forecastConcurrency, "concurrency", 0, "entities forecast in parallel (default from config)")
		c.Flags().BoolVar(&forecastReplace, "replace", false, "delete an entity's previous forecast rows before writing")
	}
	for _, c := range []*cobra.Command{forecastRunCmd, forecastClearCmd} {
		c.Flags().StringVar(&forecastASIN, "asin", "", "only this ASIN")
		c.Flags().StringVar(&forecastChannel, "channel", "", "only this sales channel (e.g. Amazon.com)")
		c.Flags().StringVar(&forecastIWASKU, "iwasku", "", "only rows with this IWASKU")
	}

	forecastCmd.AddCommand(forecastRunCmd)
	forecastCmd.AddCommand(forecastGroupsCmd)
	forecastCmd.AddCommand(forecastClearCmd)
	rootCmd.AddCommand(forecastCmd)
}

// applyForecastFlags overlays explicitly set flags onto the loaded config.
func applyForecastFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("horizon") {
		cfg.Forecast.HorizonDays = forecastHorizon
	}
	if flags.Changed("concurrency") {
		cfg.Forecast.Concurrency = forecastConcurrency
	}
	if flags.Changed("replace") {
		cfg.Forecast.Replace = forecastReplace
	}
}

func entityFilter() store.EntityFilter {
	return store.EntityFilter{
		ASIN:         forecastASIN,
		SalesChannel: forecastChannel,
		IWASKU:       forecastIWASKU,
	}
}

// pipelineConfig builds the pipeline settings from the loaded config.
func pipelineConfig(mode model.RunMode, filter store.EntityFilter) forecast.Config {
	fc := cfg.Forecast
	return forecast.Config{
		Mode:                 mode,
		Filter:               filter,
		HorizonDays:          fc.HorizonDays,
		Concurrency:          fc.Concurrency,
		GroupPrefixLen:       fc.GroupPrefixLen,
		GroupChannel:         fc.GroupChannel,
		ChannelDisplayPrefix: fc.ChannelDisplayPrefix,
		StragglerAfter:       fc.StragglerAfter(),
		MaxEntitiesPerSec:    fc.MaxEntitiesPerSec,
		Replace:              fc.Replace,
		Retry:                resilience.FromSettings(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs),
	}
}

func runForecastCommand(cmd *cobra.Command, mode model.RunMode) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyForecastFlags(cmd)
	if err := cfg.Validate("forecast"); err != nil {
		return err
	}

	st, err := openMigratedStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	metrics := forecast.NewMetrics()
	pcfg := pipelineConfig(mode, entityFilter())
	summary, runErr := executeRun(ctx, st, pcfg, metrics, os.Stderr)

	if cfg.Metrics.PushgatewayURL != "" {
		if err := metrics.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			zap.L().Warn("metrics push failed", zap.Error(err))
		}
	}

	if summary != nil {
		formatSummary(os.Stdout, summary)
	}
	return runErr
}

// executeRun records a forecast_runs row around one pipeline run. progress
// may be nil.
func executeRun(ctx context.Context, st store.Store, pcfg forecast.Config, metrics *forecast.Metrics, progress io.Writer) (*model.RunSummary, error) {
	run, err := st.StartRun(ctx, pcfg.Mode, pcfg.HorizonDays)
	if err != nil {
		return nil, eris.Wrap(err, "start run")
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("mode", string(pcfg.Mode)))

	opts := []forecast.Option{forecast.WithMetrics(metrics)}
	if progress != nil {
		opts = append(opts, forecast.WithProgressOutput(progress))
	}
	p := forecast.New(st, predict.NewTrend(cfg.Model.SeasonDays, cfg.Model.WindowDays), pcfg, opts...)

	summary, runErr := p.Run(ctx)

	// The run log must be updated even when ctx was cancelled.
	recordCtx := context.WithoutCancel(ctx)
	alertRun(recordCtx, run.ID, summary, runErr)

	if runErr != nil {
		if err := st.FailRun(recordCtx, run.ID, runErr.Error()); err != nil {
			log.Error("failed to record run failure", zap.Error(err))
		}
		return summary, eris.Wrap(runErr, "forecast run")
	}
	if err := st.CompleteRun(recordCtx, run.ID, summary); err != nil {
		return summary, eris.Wrap(err, "complete run")
	}

	log.Info("forecast run recorded", zap.Int("written", summary.Written), zap.Int("failed", summary.Failed))
	return summary, nil
}

// alertRun sends webhook alerts when the finished run looks unhealthy.
func alertRun(ctx context.Context, runID string, summary *model.RunSummary, runErr error) {
	alerter := monitoring.NewAlerter(cfg.Alerts)
	if !alerter.Enabled() {
		return
	}
	alerter.SendAlerts(ctx, alerter.Evaluate(runID, summary, runErr))
}

// formatSummary writes the end-of-run summary to out.
func formatSummary(out io.Writer, s *model.RunSummary) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = p.Fprintf(w, "Discovered:\t%d\n", s.Discovered)
	_, _ = p.Fprintf(w, "Written:\t%d\n", s.Written)
	_, _ = p.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	_, _ = p.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = p.Fprintf(w, "Rows written:\t%d\n", s.RowsWritten)

	channels := make([]string, 0, len(s.Channels))
	for ch := range s.Channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		_, _ = p.Fprintf(w, "  %s:\t%d\n", ch, s.Channels[ch])
	}
	_, _ = p.Fprintf(w, "Elapsed:\t%s\n", s.Elapsed.Round(time.Millisecond))
	_ = w.Flush()
}
