package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func actual(asin, channel, iwasku, date string, qty float64) model.Observation {
	return model.Observation{
		ASIN:         asin,
		SalesChannel: channel,
		IWASKU:       iwasku,
		SaleDate:     day(date),
		Quantity:     qty,
		Source:       model.SourceActual,
	}
}

func seedActuals(t *testing.T, st *SQLStore, obs ...model.Observation) {
	t.Helper()
	n, err := st.ImportActuals(context.Background(), obs)
	require.NoError(t, err)
	require.Equal(t, int64(len(obs)), n)
}

func countRows(t *testing.T, st *SQLStore, source model.Source) int {
	t.Helper()
	var n int
	require.NoError(t, st.db.QueryRow(
		"SELECT COUNT(*) FROM daily_sales_summary WHERE data_source = ?", int(source),
	).Scan(&n))
	return n
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

// --- Catalog ---

func TestSQLite_ListEntities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedActuals(t, st,
		actual("B02", "Amazon.de", "IW-2", "2024-01-01", 1),
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 1),
		actual("B01", "Amazon.com", "IW-1", "2024-01-02", 2),
		actual("B01", "Amazon.de", "IW-1", "2024-01-01", 3),
	)

	// Forecast-only entities are not part of the catalog.
	_, err := st.WriteForecast(ctx, model.EntityKey{ASIN: "ZZ", SalesChannel: "ALL"},
		forecastRows(model.EntityKey{ASIN: "ZZ", SalesChannel: "ALL"}, "ZZ", "2024-01-03"), false)
	require.NoError(t, err)

	keys, err := st.ListEntities(ctx, EntityFilter{})
	require.NoError(t, err)
	assert.Equal(t, []model.EntityKey{
		{ASIN: "B01", SalesChannel: "Amazon.com"},
		{ASIN: "B01", SalesChannel: "Amazon.de"},
		{ASIN: "B02", SalesChannel: "Amazon.de"},
	}, keys)

	keys, err = st.ListEntities(ctx, EntityFilter{SalesChannel: "Amazon.de", IWASKU: "IW-1"})
	require.NoError(t, err)
	assert.Equal(t, []model.EntityKey{{ASIN: "B01", SalesChannel: "Amazon.de"}}, keys)

	keys, err = st.ListEntities(ctx, EntityFilter{ASIN: "nope"})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSQLite_ListGroups(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedActuals(t, st,
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 1),
		actual("B02", "Amazon.com", "IW-2", "2024-01-01", 1),
		actual("B03", "Amazon.com", "XK-9", "2024-01-01", 1),
		actual("B04", "Amazon.com", "", "2024-01-01", 1),
	)

	groups, err := st.ListGroups(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"IW", "XK"}, groups)
}

// --- History ---

func TestSQLite_LoadSeries_OrderedActualsOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	seedActuals(t, st,
		actual("B01", "Amazon.com", "IW-1", "2024-01-03", 7),
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 10),
		actual("B01", "Amazon.com", "IW-1", "2024-01-02", 0),
	)
	_, err := st.WriteForecast(ctx, key, forecastRows(key, "IW-1", "2024-01-04"), false)
	require.NoError(t, err)

	series, err := st.LoadSeries(ctx, key)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, day("2024-01-01"), series[0].Date)
	assert.Equal(t, day("2024-01-03"), series[2].Date)
	assert.Equal(t, []float64{10, 0, 7}, series.Values())
}

func TestSQLite_LoadGroupSeries_SumsPerDate(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedActuals(t, st,
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 3),
		actual("B02", "Amazon.de", "IW-2", "2024-01-01", 4),
		actual("B02", "Amazon.de", "IW-2", "2024-01-02", 5),
		actual("B03", "Amazon.com", "XK-1", "2024-01-01", 100),
	)

	series, err := st.LoadGroupSeries(context.Background(), "IW")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, []float64{7, 5}, series.Values())
}

// --- Lookup ---

func TestSQLite_ResolveIWASKU_Fallback(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.db.Exec(
		"INSERT INTO registry (regtype, regkey, regvalue) VALUES (?, ?, ?), (?, ?, ?)",
		RegtypeASINToSKU, "B01", "IW-100",
		"other-type", "B02", "ignored",
	)
	require.NoError(t, err)

	got, err := st.ResolveIWASKU(ctx, "B01")
	require.NoError(t, err)
	assert.Equal(t, "IW-100", got)

	got, err = st.ResolveIWASKU(ctx, "B02")
	require.NoError(t, err)
	assert.Equal(t, "B02", got, "unmapped asin falls back to itself")
}

// --- Writes ---

func TestSQLite_WriteForecast_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	rows := forecastRows(key, "IW-1", "2024-01-05", "2024-01-06")

	_, err := st.WriteForecast(ctx, key, rows, false)
	require.NoError(t, err)
	rows[0].Quantity = 42
	_, err = st.WriteForecast(ctx, key, rows, false)
	require.NoError(t, err)

	assert.Equal(t, 2, countRows(t, st, model.SourceForecast))

	var qty float64
	require.NoError(t, st.db.QueryRow(
		"SELECT total_quantity FROM daily_sales_summary WHERE asin = ? AND sale_date = ? AND data_source = 0",
		"B01", "2024-01-05",
	).Scan(&qty))
	assert.Equal(t, 42.0, qty)
}

func TestSQLite_WriteForecast_SourceIsolation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	seedActuals(t, st, actual("B01", "Amazon.com", "IW-1", "2024-01-05", 9))

	// Same key and date as the actual row.
	_, err := st.WriteForecast(ctx, key, forecastRows(key, "IW-1", "2024-01-05"), false)
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, st, model.SourceActual))
	assert.Equal(t, 1, countRows(t, st, model.SourceForecast))

	series, err := st.LoadSeries(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []float64{9}, series.Values())
}

func TestSQLite_WriteForecast_ReplaceRemovesStaleRows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	_, err := st.WriteForecast(ctx, key, forecastRows(key, "OLD", "2024-01-05", "2024-01-06"), false)
	require.NoError(t, err)

	n, err := st.WriteForecast(ctx, key, forecastRows(key, "NEW", "2024-01-06"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, countRows(t, st, model.SourceForecast))
}

func TestSQLite_WriteForecast_RemappedIWASKUKeepsOneRowPerDate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}

	// First run before the registry knew B01, second after it was mapped.
	_, err := st.WriteForecast(ctx, key, forecastRows(key, "B01", "2024-01-04", "2024-01-05"), false)
	require.NoError(t, err)
	_, err = st.WriteForecast(ctx, key, forecastRows(key, "IW-1", "2024-01-04"), false)
	require.NoError(t, err)

	var n int
	require.NoError(t, st.db.QueryRow(
		"SELECT COUNT(*) FROM daily_sales_summary WHERE asin = ? AND sales_channel = ? AND sale_date = ? AND data_source = 0",
		"B01", "Amazon.com", "2024-01-04",
	).Scan(&n))
	assert.Equal(t, 1, n)

	var iwasku string
	require.NoError(t, st.db.QueryRow(
		"SELECT iwasku FROM daily_sales_summary WHERE asin = ? AND sale_date = ? AND data_source = 0",
		"B01", "2024-01-04",
	).Scan(&iwasku))
	assert.Equal(t, "IW-1", iwasku)

	// Dates outside the new batch are left alone.
	assert.Equal(t, 2, countRows(t, st, model.SourceForecast))
}

func TestSQLite_WriteForecast_RemapLeavesActualsAlone(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	seedActuals(t, st, actual("B01", "Amazon.com", "B01", "2024-01-04", 3))

	_, err := st.WriteForecast(ctx, key, forecastRows(key, "IW-1", "2024-01-04"), false)
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, st, model.SourceActual))
	assert.Equal(t, 1, countRows(t, st, model.SourceForecast))
}

func TestSQLite_WriteForecast_RejectedBatchWritesNothing(t *testing.T) {
	st := newTestSQLiteStore(t)
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	rows := forecastRows(key, "IW-1", "2024-01-05", "not-a-date")

	_, err := st.WriteForecast(context.Background(), key, rows, false)
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, st, model.SourceForecast))
}

func TestSQLite_DeleteForecast_KeepsActuals(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	seedActuals(t, st, actual("B01", "Amazon.com", "IW-1", "2024-01-01", 1))
	_, err := st.WriteForecast(ctx, key, forecastRows(key, "IW-1", "2024-01-02", "2024-01-03"), false)
	require.NoError(t, err)

	n, err := st.DeleteForecast(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, countRows(t, st, model.SourceForecast))
	assert.Equal(t, 1, countRows(t, st, model.SourceActual))

	n, err = st.DeleteForecast(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Run log ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.StartRun(ctx, model.RunModeEntities, 180)
	require.NoError(t, err)
	summary := &model.RunSummary{Discovered: 3, Written: 2, Skipped: 1, RowsWritten: 360, Channels: map[string]int{"com": 3}}
	require.NoError(t, st.CompleteRun(ctx, first.ID, summary))

	time.Sleep(2 * time.Millisecond)
	second, err := st.StartRun(ctx, model.RunModeGroups, 30)
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, second.ID, "store unreachable"))

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "store unreachable", runs[0].Error)
	assert.Nil(t, runs[0].Summary)
	require.NotNil(t, runs[0].CompletedAt)

	assert.Equal(t, first.ID, runs[1].ID)
	assert.Equal(t, model.RunModeEntities, runs[1].Mode)
	assert.Equal(t, model.RunStatusComplete, runs[1].Status)
	require.NotNil(t, runs[1].Summary)
	assert.Equal(t, int64(360), runs[1].Summary.RowsWritten)
	assert.Equal(t, 3, runs[1].Summary.Channels["com"])
}

func TestSQLite_CompleteRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.CompleteRun(context.Background(), "missing", &model.RunSummary{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}
