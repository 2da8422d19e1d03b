package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-cli/internal/db"
	"github.com/sells-group/forecast-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.EntityKey, error) {
	query, args := entityQuery(dollarPlaceholder, filter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var keys []model.EntityKey
	for rows.Next() {
		var k model.EntityKey
		if err := rows.Scan(&k.ASIN, &k.SalesChannel); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (s *PostgresStore) ListGroups(ctx context.Context, prefixLen int) ([]string, error) {
	if prefixLen < 1 {
		return nil, eris.Errorf("postgres: invalid group prefix length %d", prefixLen)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT left(iwasku, $1) AS group_id FROM daily_sales_summary
		 WHERE data_source = $2 AND iwasku <> ''
		 ORDER BY group_id`,
		prefixLen, int16(model.SourceActual),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: iterate groups")
}

func (s *PostgresStore) LoadSeries(ctx context.Context, key model.EntityKey) (model.Series, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sale_date, SUM(total_quantity) FROM daily_sales_summary
		 WHERE asin = $1 AND sales_channel = $2 AND data_source = $3
		 GROUP BY sale_date ORDER BY sale_date`,
		key.ASIN, key.SalesChannel, int16(model.SourceActual),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load series %s", key)
	}
	return collectPgSeries(rows, key.String())
}

func (s *PostgresStore) LoadGroupSeries(ctx context.Context, groupID string) (model.Series, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sale_date, SUM(total_quantity) FROM daily_sales_summary
		 WHERE left(iwasku, $1) = $2 AND data_source = $3
		 GROUP BY sale_date ORDER BY sale_date`,
		utf8.RuneCountInString(groupID), groupID, int16(model.SourceActual),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load group series %s", groupID)
	}
	return collectPgSeries(rows, "group "+groupID)
}

func collectPgSeries(rows pgx.Rows, label string) (model.Series, error) {
	defer rows.Close()

	var series model.Series
	for rows.Next() {
		var (
			date time.Time
			qty  *float64
		)
		if err := rows.Scan(&date, &qty); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan series %s", label)
		}
		series = append(series, model.Point{Date: model.Day(date), Value: nullableQuantity(qty)})
	}
	return series, eris.Wrapf(rows.Err(), "postgres: iterate series %s", label)
}

func (s *PostgresStore) ResolveIWASKU(ctx context.Context, asin string) (string, error) {
	var iwasku string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(
			(SELECT regvalue FROM registry WHERE regtype = $1 AND regkey = $2 LIMIT 1),
			$3::text)`,
		RegtypeASINToSKU, asin, asin,
	).Scan(&iwasku)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: resolve iwasku for %s", asin)
	}
	return iwasku, nil
}

func (s *PostgresStore) WriteForecast(ctx context.Context, key model.EntityKey, rows []model.ForecastRow, replace bool) (int64, error) {
	if err := checkForecastRows(key, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 && !replace {
		return 0, nil
	}

	values := make([][]any, len(rows))
	dates := make([]time.Time, len(rows))
	iwaskus := make([]string, len(rows))
	for i, r := range rows {
		date, _ := model.ParseDate(r.SaleDate)
		values[i] = []any{r.ASIN, r.SalesChannel, r.IWASKU, date, r.Quantity, int16(r.Source)}
		dates[i], iwaskus[i] = date, r.IWASKU
	}

	var n int64
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if replace {
			if _, err := tx.Exec(ctx, deleteForecastSQL, key.ASIN, key.SalesChannel, int16(model.SourceForecast)); err != nil {
				return eris.Wrapf(err, "postgres: clear forecast %s", key)
			}
		} else {
			_, err := tx.Exec(ctx, deleteSupersededSQL, key.ASIN, key.SalesChannel, int16(model.SourceForecast), dates, iwaskus)
			if err != nil {
				return eris.Wrapf(err, "postgres: drop superseded forecast rows %s", key)
			}
		}
		var err error
		n, err = db.UpsertTx(ctx, tx, salesUpsertConfig(), values)
		return err
	})
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: write forecast %s", key)
	}
	return n, nil
}

const deleteForecastSQL = `DELETE FROM daily_sales_summary WHERE asin = $1 AND sales_channel = $2 AND data_source = $3`

// deleteSupersededSQL removes forecast rows on the incoming dates whose IWASKU
// differs from the incoming row, e.g. after a registry remap.
const deleteSupersededSQL = `DELETE FROM daily_sales_summary d
USING unnest($4::date[], $5::text[]) AS w(sale_date, iwasku)
WHERE d.asin = $1 AND d.sales_channel = $2 AND d.data_source = $3
  AND d.sale_date = w.sale_date AND d.iwasku <> w.iwasku`

func (s *PostgresStore) DeleteForecast(ctx context.Context, key model.EntityKey) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteForecastSQL, key.ASIN, key.SalesChannel, int16(model.SourceForecast))
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete forecast %s", key)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ImportActuals(ctx context.Context, obs []model.Observation) (int64, error) {
	obs = dedupeObservations(obs)
	values := make([][]any, len(obs))
	for i, o := range obs {
		values[i] = []any{o.ASIN, o.SalesChannel, o.IWASKU, model.Day(o.SaleDate), o.Quantity, int16(model.SourceActual)}
	}
	n, err := db.BulkUpsert(ctx, s.pool, salesUpsertConfig(), values)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import actuals")
	}
	return n, nil
}

func salesUpsertConfig() db.UpsertConfig {
	return db.UpsertConfig{
		Table:        SalesTable,
		Columns:      salesColumns,
		ConflictKeys: salesConflictKeys,
		UpdateCols:   []string{"total_quantity"},
	}
}

func (s *PostgresStore) StartRun(ctx context.Context, mode model.RunMode, horizonDays int) (*model.ForecastRun, error) {
	run := &model.ForecastRun{
		ID:          uuid.New().String(),
		Mode:        mode,
		Status:      model.RunStatusRunning,
		HorizonDays: horizonDays,
		StartedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO forecast_runs (id, mode, status, horizon_days, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Mode), string(run.Status), run.HorizonDays, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE forecast_runs SET status = $1, completed_at = $2, summary = $3 WHERE id = $4`,
		string(model.RunStatusComplete), time.Now().UTC(), summaryJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE forecast_runs SET status = $1, completed_at = $2, error = $3 WHERE id = $4`,
		string(model.RunStatusFailed), time.Now().UTC(), errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.ForecastRun, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM forecast_runs ORDER BY started_at DESC LIMIT $1`, runColumns),
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ForecastRun
	for rows.Next() {
		var (
			r           model.ForecastRun
			completedAt *time.Time
			summaryJSON []byte
			errMsg      *string
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.Status, &r.HorizonDays, &r.StartedAt, &completedAt, &summaryJSON, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.CompletedAt = completedAt
		if errMsg != nil {
			r.Error = *errMsg
		}
		if err := decodeSummary(summaryJSON, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run summary")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

const runColumns = "id, mode, status, horizon_days, started_at, completed_at, summary, error"

func decodeSummary(data []byte, r *model.ForecastRun) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	r.Summary = &model.RunSummary{}
	return json.Unmarshal(data, r.Summary)
}

// nullableQuantity maps a NULL total_quantity to NaN so the sanitizer drops it.
func nullableQuantity(q *float64) float64 {
	if q == nil {
		return math.NaN()
	}
	return *q
}
