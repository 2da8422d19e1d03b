package forecast

import (
	"context"

	"github.com/sells-group/forecast-cli/internal/model"
)

// ForecastStore persists forecast rows.
type ForecastStore interface {
	WriteForecast(ctx context.Context, key model.EntityKey, rows []model.ForecastRow, replace bool) (int64, error)
	DeleteForecast(ctx context.Context, key model.EntityKey) (int64, error)
}

// Writer upserts one entity's forecast atomically. Errors are returned to the
// caller and never retried.
type Writer struct {
	store   ForecastStore
	replace bool
}

// NewWriter creates a Writer. With replace, every existing forecast row of
// the entity is removed in the same transaction as the upsert.
func NewWriter(st ForecastStore, replace bool) *Writer {
	return &Writer{store: st, replace: replace}
}

// Write upserts rows for key.
func (w *Writer) Write(ctx context.Context, key model.EntityKey, rows []model.ForecastRow) (int64, error) {
	return w.store.WriteForecast(ctx, key, rows, w.replace)
}

// Clear deletes every forecast row of key.
func (w *Writer) Clear(ctx context.Context, key model.EntityKey) (int64, error) {
	return w.store.DeleteForecast(ctx, key)
}
