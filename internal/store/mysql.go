package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rotisserie/eris"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS daily_sales_summary (
			asin           VARCHAR(64) NOT NULL,
			sales_channel  VARCHAR(64) NOT NULL,
			iwasku         VARCHAR(64) NOT NULL DEFAULT '',
			sale_date      DATE NOT NULL,
			total_quantity DOUBLE NULL,
			data_source    TINYINT NOT NULL DEFAULT 1,
			UNIQUE KEY uq_daily_sales_summary (asin, sales_channel, iwasku, sale_date, data_source),
			KEY idx_daily_sales_entity (asin, sales_channel, data_source),
			KEY idx_daily_sales_iwasku (iwasku)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS registry (
			regtype  VARCHAR(64) NOT NULL,
			regkey   VARCHAR(128) NOT NULL,
			regvalue VARCHAR(255) NOT NULL,
			PRIMARY KEY (regtype, regkey)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS forecast_runs (
			id           CHAR(36) NOT NULL PRIMARY KEY,
			mode         VARCHAR(16) NOT NULL,
			status       VARCHAR(16) NOT NULL DEFAULT 'running',
			horizon_days INT NOT NULL,
			started_at   DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			summary      TEXT NULL,
			error        TEXT NULL,
			KEY idx_forecast_runs_started_at (started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	prefixExpr:   "LEFT(iwasku, ?)",
	dateExpr:     "DATE_FORMAT(sale_date, '%Y-%m-%d')",
	upsertClause: "ON DUPLICATE KEY UPDATE total_quantity = VALUES(total_quantity)",
}

// NewMySQL connects to MySQL. The DSN uses the go-sql-driver format
// (user:pass@tcp(host:3306)/db); parseTime and UTC are always enabled.
func NewMySQL(ctx context.Context, dsn string, poolCfg *PoolConfig) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "mysql: parse dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "mysql: create connector")
	}
	db := sql.OpenDB(connector)

	maxConns, minConns := 10, 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = int(poolCfg.MaxConns)
		}
		if poolCfg.MinConns > 0 {
			minConns = int(poolCfg.MinConns)
		}
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "mysql: ping")
	}
	return &SQLStore{db: db, d: mysqlDialect}, nil
}
