// Package store persists daily sales observations, forecasts and the forecast
// run log in Postgres, MySQL or SQLite.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-cli/internal/model"
)

// Table and registry names shared by every backend.
const (
	SalesTable       = "daily_sales_summary"
	RegistryTable    = "registry"
	RunsTable        = "forecast_runs"
	RegtypeASINToSKU = "asin-to-iwasku"
)

// Columns of SalesTable in insert order.
var salesColumns = []string{"asin", "sales_channel", "iwasku", "sale_date", "total_quantity", "data_source"}

// salesConflictKeys is the unique key of SalesTable. data_source is part of
// the key so forecast rows can never collide with actual rows.
var salesConflictKeys = []string{"asin", "sales_channel", "iwasku", "sale_date", "data_source"}

// Store defines the persistence interface for the forecasting pipeline.
type Store interface {
	// Catalog
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.EntityKey, error)
	ListGroups(ctx context.Context, prefixLen int) ([]string, error)

	// History (actual rows only, ascending by date)
	LoadSeries(ctx context.Context, key model.EntityKey) (model.Series, error)
	LoadGroupSeries(ctx context.Context, groupID string) (model.Series, error)

	// ResolveIWASKU maps an ASIN through the registry, falling back to the ASIN.
	ResolveIWASKU(ctx context.Context, asin string) (string, error)

	// Forecast writes. WriteForecast is atomic per call; with replace it first
	// removes every forecast row of key inside the same transaction. Without
	// replace, forecast rows of key on the written dates that carry another
	// IWASKU are removed so each (key, date) keeps a single forecast row.
	WriteForecast(ctx context.Context, key model.EntityKey, rows []model.ForecastRow, replace bool) (int64, error)
	DeleteForecast(ctx context.Context, key model.EntityKey) (int64, error)

	// ImportActuals upserts observed rows (data_source = 1).
	ImportActuals(ctx context.Context, obs []model.Observation) (int64, error)

	// Run log
	StartRun(ctx context.Context, mode model.RunMode, horizonDays int) (*model.ForecastRun, error)
	CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.ForecastRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// checkForecastRows guards the write path: every row must be a forecast row
// of key.
func checkForecastRows(key model.EntityKey, rows []model.ForecastRow) error {
	seen := make(map[string]int, len(rows))
	for i, r := range rows {
		if r.Source != model.SourceForecast {
			return eris.Errorf("store: row %d of %s is not a forecast row (data_source=%d)", i, key, int(r.Source))
		}
		if r.Key() != key {
			return eris.Errorf("store: row %d belongs to %s, not %s", i, r.Key(), key)
		}
		if _, err := model.ParseDate(r.SaleDate); err != nil {
			return eris.Wrapf(err, "store: row %d of %s has invalid sale_date", i, key)
		}
		if j, dup := seen[r.SaleDate]; dup {
			return eris.Errorf("store: rows %d and %d of %s share sale_date %s", j, i, key, r.SaleDate)
		}
		seen[r.SaleDate] = i
	}
	return nil
}

// dedupeObservations keeps the last observation per sales unique key, in first
// seen order. Postgres rejects an upsert batch that hits the same key twice.
func dedupeObservations(obs []model.Observation) []model.Observation {
	type obsKey struct {
		asin, channel, iwasku string
		date                  time.Time
	}
	idx := make(map[obsKey]int, len(obs))
	out := make([]model.Observation, 0, len(obs))
	for _, o := range obs {
		k := obsKey{o.ASIN, o.SalesChannel, o.IWASKU, model.Day(o.SaleDate)}
		if i, ok := idx[k]; ok {
			out[i] = o
			continue
		}
		idx[k] = len(out)
		out = append(out, o)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
