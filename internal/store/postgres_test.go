package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPostgresStore_ListEntities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT asin, sales_channel FROM daily_sales_summary WHERE data_source = \$1 AND sales_channel = \$2`).
		WithArgs(1, "Amazon.com").
		WillReturnRows(pgxmock.NewRows([]string{"asin", "sales_channel"}).
			AddRow("B01", "Amazon.com").
			AddRow("B02", "Amazon.com"))

	keys, err := s.ListEntities(context.Background(), EntityFilter{SalesChannel: "Amazon.com"})
	require.NoError(t, err)
	assert.Equal(t, []model.EntityKey{
		{ASIN: "B01", SalesChannel: "Amazon.com"},
		{ASIN: "B02", SalesChannel: "Amazon.com"},
	}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEntities_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT asin, sales_channel`).
		WithArgs(1).
		WillReturnError(errors.New("connection refused"))

	_, err := s.ListEntities(context.Background(), EntityFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: list entities")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListGroups(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT left\(iwasku, \$1\) AS group_id`).
		WithArgs(2, int16(1)).
		WillReturnRows(pgxmock.NewRows([]string{"group_id"}).AddRow("IW").AddRow("XK"))

	groups, err := s.ListGroups(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"IW", "XK"}, groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListGroups_InvalidPrefix(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	_, err := s.ListGroups(context.Background(), 0)
	assert.Error(t, err)
}

func TestPostgresStore_LoadSeries_NullQuantity(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	ten := 10.0
	mock.ExpectQuery(`SELECT sale_date, SUM\(total_quantity\) FROM daily_sales_summary\s+WHERE asin = \$1 AND sales_channel = \$2 AND data_source = \$3`).
		WithArgs("B01", "Amazon.com", int16(1)).
		WillReturnRows(pgxmock.NewRows([]string{"sale_date", "sum"}).
			AddRow(day("2024-01-01"), &ten).
			AddRow(day("2024-01-02"), (*float64)(nil)))

	series, err := s.LoadSeries(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 10.0, series[0].Value)
	assert.True(t, math.IsNaN(series[1].Value))
	assert.Equal(t, day("2024-01-02"), series[1].Date)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadGroupSeries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	a, b := 3.0, 5.0
	mock.ExpectQuery(`WHERE left\(iwasku, \$1\) = \$2 AND data_source = \$3`).
		WithArgs(2, "IW", int16(1)).
		WillReturnRows(pgxmock.NewRows([]string{"sale_date", "sum"}).
			AddRow(day("2024-01-01"), &a).
			AddRow(day("2024-01-02"), &b))

	series, err := s.LoadGroupSeries(context.Background(), "IW")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 5}, series.Values())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveIWASKU(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(RegtypeASINToSKU, "B01", "B01").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow("IW-100"))

	iwasku, err := s.ResolveIWASKU(context.Background(), "B01")
	require.NoError(t, err)
	assert.Equal(t, "IW-100", iwasku)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func forecastRows(key model.EntityKey, iwasku string, dates ...string) []model.ForecastRow {
	rows := make([]model.ForecastRow, len(dates))
	for i, d := range dates {
		rows[i] = model.ForecastRow{
			ASIN:         key.ASIN,
			SalesChannel: key.SalesChannel,
			IWASKU:       iwasku,
			SaleDate:     d,
			Quantity:     float64(i + 1),
			Source:       model.SourceForecast,
		}
	}
	return rows
}

func TestPostgresStore_WriteForecast(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM daily_sales_summary d\s+USING unnest\(\$4::date\[\], \$5::text\[\]\)`).
		WithArgs("B01", "Amazon.com", int16(0),
			[]time.Time{day("2024-01-05"), day("2024-01-06")},
			[]string{"IW-1", "IW-1"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_daily_sales_summary"}, salesColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "daily_sales_summary"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.WriteForecast(context.Background(), key, forecastRows(key, "IW-1", "2024-01-05", "2024-01-06"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteForecast_ReplaceInSameTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM daily_sales_summary`).
		WithArgs("B01", "Amazon.com", int16(0)).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_daily_sales_summary"}, salesColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "daily_sales_summary"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.WriteForecast(context.Background(), key, forecastRows(key, "IW-1", "2024-01-05"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteForecast_RollbackOnUpsertError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	mock.ExpectBegin()
	mock.ExpectExec(`USING unnest`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_daily_sales_summary"}, salesColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "daily_sales_summary"`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := s.WriteForecast(context.Background(), key, forecastRows(key, "IW-1", "2024-01-05"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: write forecast B01/Amazon.com")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteForecast_SupersedeErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	mock.ExpectBegin()
	mock.ExpectExec(`USING unnest`).WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := s.WriteForecast(context.Background(), key, forecastRows(key, "IW-2", "2024-01-05"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drop superseded forecast rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteForecast_RejectsDuplicateDates(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	_, err := s.WriteForecast(context.Background(), key, forecastRows(key, "IW-1", "2024-01-05", "2024-01-05"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share sale_date 2024-01-05")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteForecast_RejectsActualRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	rows := forecastRows(key, "IW-1", "2024-01-05")
	rows[0].Source = model.SourceActual

	_, err := s.WriteForecast(context.Background(), key, rows, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a forecast row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteForecast_RejectsForeignKey(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	rows := forecastRows(model.EntityKey{ASIN: "B02", SalesChannel: "Amazon.com"}, "IW-1", "2024-01-05")
	_, err := s.WriteForecast(context.Background(), key, rows, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to B02/Amazon.com")
}

func TestPostgresStore_DeleteForecast(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM daily_sales_summary WHERE asin = \$1 AND sales_channel = \$2 AND data_source = \$3`).
		WithArgs("B01", "Amazon.com", int16(0)).
		WillReturnResult(pgxmock.NewResult("DELETE", 180))

	n, err := s.DeleteForecast(context.Background(), model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(180), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportActuals_RepeatedKeyInBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_daily_sales_summary"}, salesColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "daily_sales_summary"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.ImportActuals(context.Background(), []model.Observation{
		{ASIN: "B01", SalesChannel: "Amazon.com", IWASKU: "IW-1", SaleDate: day("2024-01-01"), Quantity: 1},
		{ASIN: "B01", SalesChannel: "Amazon.com", IWASKU: "IW-1", SaleDate: day("2024-01-01"), Quantity: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO forecast_runs`).
		WithArgs(pgxmock.AnyArg(), "entities", "running", 180, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.StartRun(context.Background(), model.RunModeEntities, 180)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE forecast_runs SET status = \$1, completed_at = \$2, summary = \$3 WHERE id = \$4`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", &model.RunSummary{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found: missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	done := started.Add(5 * time.Minute)
	msg := "store unreachable"
	mock.ExpectQuery(`SELECT id, mode, status, horizon_days, started_at, completed_at, summary, error FROM forecast_runs`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "mode", "status", "horizon_days", "started_at", "completed_at", "summary", "error"}).
			AddRow("run-1", model.RunModeEntities, model.RunStatusComplete, 180, started, &done, []byte(`{"discovered":3,"written":2,"skipped":1}`), (*string)(nil)).
			AddRow("run-2", model.RunModeGroups, model.RunStatusFailed, 30, started, &done, []byte(nil), &msg))

	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, 2, runs[0].Summary.Written)
	assert.Nil(t, runs[1].Summary)
	assert.Equal(t, "store unreachable", runs[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS forecast_schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM forecast_schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_daily_sales_summary.sql"))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS forecast_runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO forecast_schema_migrations`).
		WithArgs("002_forecast_runs.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_FailureReleasesLockWithTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS forecast_schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM forecast_schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS daily_sales_summary`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration 001_daily_sales_summary.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}
