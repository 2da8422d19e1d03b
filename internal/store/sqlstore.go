package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-cli/internal/model"
)

// dialect captures the SQL differences between the database/sql backends.
type dialect struct {
	name string
	// schema is applied one statement at a time.
	schema []string
	// prefixExpr selects the first ? characters of iwasku.
	prefixExpr string
	// dateExpr renders sale_date as YYYY-MM-DD text.
	dateExpr string
	// upsertClause follows INSERT ... VALUES.
	upsertClause string
}

// SQLStore implements Store over database/sql for SQLite and MySQL.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func (s *SQLStore) errf(err error, format string, args ...any) error {
	return eris.Wrapf(err, s.d.name+": "+format, args...)
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for i, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.errf(err, "migrate statement %d", i+1)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.EntityKey, error) {
	query, args := entityQuery(questionPlaceholder, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.errf(err, "list entities")
	}
	defer rows.Close()

	var keys []model.EntityKey
	for rows.Next() {
		var k model.EntityKey
		if err := rows.Scan(&k.ASIN, &k.SalesChannel); err != nil {
			return nil, s.errf(err, "scan entity")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf(err, "iterate entities")
	}
	return keys, nil
}

func (s *SQLStore) ListGroups(ctx context.Context, prefixLen int) ([]string, error) {
	if prefixLen < 1 {
		return nil, eris.Errorf("%s: invalid group prefix length %d", s.d.name, prefixLen)
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT %s AS group_id FROM daily_sales_summary
		 WHERE data_source = ? AND iwasku <> ''
		 ORDER BY group_id`,
		s.d.prefixExpr,
	)
	rows, err := s.db.QueryContext(ctx, query, prefixLen, int(model.SourceActual))
	if err != nil {
		return nil, s.errf(err, "list groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, s.errf(err, "scan group")
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf(err, "iterate groups")
	}
	return groups, nil
}

func (s *SQLStore) LoadSeries(ctx context.Context, key model.EntityKey) (model.Series, error) {
	query := fmt.Sprintf(
		`SELECT %s AS d, SUM(total_quantity) FROM daily_sales_summary
		 WHERE asin = ? AND sales_channel = ? AND data_source = ?
		 GROUP BY sale_date ORDER BY sale_date`,
		s.d.dateExpr,
	)
	rows, err := s.db.QueryContext(ctx, query, key.ASIN, key.SalesChannel, int(model.SourceActual))
	if err != nil {
		return nil, s.errf(err, "load series %s", key)
	}
	return s.collectSeries(rows, key.String())
}

func (s *SQLStore) LoadGroupSeries(ctx context.Context, groupID string) (model.Series, error) {
	query := fmt.Sprintf(
		`SELECT %s AS d, SUM(total_quantity) FROM daily_sales_summary
		 WHERE %s = ? AND data_source = ?
		 GROUP BY sale_date ORDER BY sale_date`,
		s.d.dateExpr, s.d.prefixExpr,
	)
	rows, err := s.db.QueryContext(ctx, query, utf8.RuneCountInString(groupID), groupID, int(model.SourceActual))
	if err != nil {
		return nil, s.errf(err, "load group series %s", groupID)
	}
	return s.collectSeries(rows, "group "+groupID)
}

func (s *SQLStore) collectSeries(rows *sql.Rows, label string) (model.Series, error) {
	defer rows.Close()

	var series model.Series
	for rows.Next() {
		var (
			dateStr string
			qty     sql.NullFloat64
		)
		if err := rows.Scan(&dateStr, &qty); err != nil {
			return nil, s.errf(err, "scan series %s", label)
		}
		date, err := model.ParseDate(dateStr)
		if err != nil {
			return nil, s.errf(err, "parse sale_date %q of %s", dateStr, label)
		}
		value := math.NaN()
		if qty.Valid {
			value = qty.Float64
		}
		series = append(series, model.Point{Date: date, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf(err, "iterate series %s", label)
	}
	return series, nil
}

func (s *SQLStore) ResolveIWASKU(ctx context.Context, asin string) (string, error) {
	var iwasku string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(
			(SELECT regvalue FROM registry WHERE regtype = ? AND regkey = ? LIMIT 1),
			?)`,
		RegtypeASINToSKU, asin, asin,
	).Scan(&iwasku)
	if err != nil {
		return "", s.errf(err, "resolve iwasku for %s", asin)
	}
	return iwasku, nil
}

func (s *SQLStore) upsertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(salesColumns)), ", ")
	return fmt.Sprintf("INSERT INTO daily_sales_summary (%s) VALUES (%s) %s",
		strings.Join(salesColumns, ", "), marks, s.d.upsertClause)
}

// inTx runs fn inside a transaction, committing only if fn succeeds.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.errf(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.errf(err, "commit tx")
	}
	return nil
}

// upsertRows writes rows through a prepared upsert statement inside tx.
func (s *SQLStore) upsertRows(ctx context.Context, tx *sql.Tx, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, s.upsertSQL())
	if err != nil {
		return s.errf(err, "prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return s.errf(err, "upsert row %d", i)
		}
	}
	return nil
}

const deleteForecastSQLPortable = `DELETE FROM daily_sales_summary WHERE asin = ? AND sales_channel = ? AND data_source = ?`

const deleteSupersededSQLPortable = `DELETE FROM daily_sales_summary
WHERE asin = ? AND sales_channel = ? AND data_source = ? AND sale_date = ? AND iwasku <> ?`

// dropSuperseded removes forecast rows of key that share a date with rows but
// carry a different IWASKU.
func (s *SQLStore) dropSuperseded(ctx context.Context, tx *sql.Tx, key model.EntityKey, rows []model.ForecastRow) error {
	stmt, err := tx.PrepareContext(ctx, deleteSupersededSQLPortable)
	if err != nil {
		return s.errf(err, "prepare superseded delete")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, key.ASIN, key.SalesChannel, int(model.SourceForecast), r.SaleDate, r.IWASKU); err != nil {
			return s.errf(err, "drop superseded forecast %s on %s", key, r.SaleDate)
		}
	}
	return nil
}

func (s *SQLStore) WriteForecast(ctx context.Context, key model.EntityKey, rows []model.ForecastRow, replace bool) (int64, error) {
	if err := checkForecastRows(key, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 && !replace {
		return 0, nil
	}

	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.ASIN, r.SalesChannel, r.IWASKU, r.SaleDate, r.Quantity, int(r.Source)}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if replace {
			if _, err := tx.ExecContext(ctx, deleteForecastSQLPortable, key.ASIN, key.SalesChannel, int(model.SourceForecast)); err != nil {
				return s.errf(err, "clear forecast %s", key)
			}
		} else if err := s.dropSuperseded(ctx, tx, key, rows); err != nil {
			return err
		}
		return s.upsertRows(ctx, tx, values)
	})
	if err != nil {
		return 0, s.errf(err, "write forecast %s", key)
	}
	return int64(len(rows)), nil
}

func (s *SQLStore) DeleteForecast(ctx context.Context, key model.EntityKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteForecastSQLPortable, key.ASIN, key.SalesChannel, int(model.SourceForecast))
	if err != nil {
		return 0, s.errf(err, "delete forecast %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.errf(err, "rows affected")
	}
	return n, nil
}

func (s *SQLStore) ImportActuals(ctx context.Context, obs []model.Observation) (int64, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	values := make([][]any, len(obs))
	for i, o := range obs {
		values[i] = []any{o.ASIN, o.SalesChannel, o.IWASKU, o.SaleDate.Format(model.DateLayout), o.Quantity, int(model.SourceActual)}
	}
	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.upsertRows(ctx, tx, values)
	}); err != nil {
		return 0, s.errf(err, "import actuals")
	}
	return int64(len(obs)), nil
}

func (s *SQLStore) StartRun(ctx context.Context, mode model.RunMode, horizonDays int) (*model.ForecastRun, error) {
	run := &model.ForecastRun{
		ID:          uuid.New().String(),
		Mode:        mode,
		Status:      model.RunStatusRunning,
		HorizonDays: horizonDays,
		StartedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forecast_runs (id, mode, status, horizon_days, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Mode), string(run.Status), run.HorizonDays, run.StartedAt,
	)
	if err != nil {
		return nil, s.errf(err, "insert run")
	}
	return run, nil
}

func (s *SQLStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return s.errf(err, "marshal run summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE forecast_runs SET status = ?, completed_at = ?, summary = ? WHERE id = ?`,
		string(model.RunStatusComplete), time.Now().UTC(), string(summaryJSON), runID,
	)
	if err != nil {
		return s.errf(err, "complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE forecast_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), errMsg, runID,
	)
	if err != nil {
		return s.errf(err, "fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]model.ForecastRun, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM forecast_runs ORDER BY started_at DESC LIMIT ?`, runColumns),
		clampLimit(limit),
	)
	if err != nil {
		return nil, s.errf(err, "list runs")
	}
	defer rows.Close()

	var runs []model.ForecastRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, s.errf(err, "scan run")
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf(err, "iterate runs")
	}
	return runs, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ForecastRun, error) {
	var (
		r            model.ForecastRun
		mode, status string
		completedAt  sql.NullTime
		summaryJSON  sql.NullString
		errMsg       sql.NullString
	)
	if err := row.Scan(&r.ID, &mode, &status, &r.HorizonDays, &r.StartedAt, &completedAt, &summaryJSON, &errMsg); err != nil {
		return nil, err
	}
	r.Mode = model.RunMode(mode)
	r.Status = model.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	r.Error = errMsg.String
	if summaryJSON.Valid {
		if err := decodeSummary([]byte(summaryJSON.String), &r); err != nil {
			return nil, eris.Wrap(err, "unmarshal run summary")
		}
	}
	return &r, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
