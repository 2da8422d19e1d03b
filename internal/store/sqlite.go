package store

import (
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// sale_date is TEXT so the driver hands back the stored ISO date untouched.
var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS daily_sales_summary (
			asin           TEXT NOT NULL,
			sales_channel  TEXT NOT NULL,
			iwasku         TEXT NOT NULL DEFAULT '',
			sale_date      TEXT NOT NULL,
			total_quantity REAL,
			data_source    INTEGER NOT NULL DEFAULT 1,
			UNIQUE (asin, sales_channel, iwasku, sale_date, data_source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_sales_entity ON daily_sales_summary(asin, sales_channel, data_source)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_sales_iwasku ON daily_sales_summary(iwasku)`,
		`CREATE TABLE IF NOT EXISTS registry (
			regtype  TEXT NOT NULL,
			regkey   TEXT NOT NULL,
			regvalue TEXT NOT NULL,
			PRIMARY KEY (regtype, regkey)
		)`,
		`CREATE TABLE IF NOT EXISTS forecast_runs (
			id           TEXT PRIMARY KEY,
			mode         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'running',
			horizon_days INTEGER NOT NULL,
			started_at   DATETIME NOT NULL,
			completed_at DATETIME,
			summary      TEXT,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forecast_runs_started_at ON forecast_runs(started_at)`,
	},
	prefixExpr:   "substr(iwasku, 1, ?)",
	dateExpr:     "sale_date",
	upsertClause: "ON CONFLICT (asin, sales_channel, iwasku, sale_date, data_source) DO UPDATE SET total_quantity = excluded.total_quantity",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection so writers never race for the lock.
func NewSQLite(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLStore{db: db, d: sqliteDialect}, nil
}
