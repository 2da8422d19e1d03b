package forecast

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/forecast-cli/internal/model"
	"github.com/sells-group/forecast-cli/internal/resilience"
)

// HistoryStore loads actual daily series.
type HistoryStore interface {
	LoadSeries(ctx context.Context, key model.EntityKey) (model.Series, error)
	LoadGroupSeries(ctx context.Context, groupID string) (model.Series, error)
}

// HistoryLoader returns the truncated actual history of an entity.
type HistoryLoader struct {
	store HistoryStore
	retry resilience.RetryConfig
}

// NewHistoryLoader creates a HistoryLoader.
func NewHistoryLoader(st HistoryStore, retry resilience.RetryConfig) *HistoryLoader {
	return &HistoryLoader{store: st, retry: retry}
}

// Load returns the entity's series with its latest date removed. The latest
// period may still be receiving sales, so it is never used for fitting. A
// load failure is logged and yields an empty series.
func (h *HistoryLoader) Load(ctx context.Context, e model.Entity) model.Series {
	cfg := h.retry
	cfg.OnRetry = resilience.RetryLogger("forecast.history", "load_series")

	series, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.Series, error) {
		if e.IsGroup() {
			return h.store.LoadGroupSeries(ctx, e.GroupID)
		}
		return h.store.LoadSeries(ctx, e.Key)
	})
	if err != nil {
		zap.L().Error("history load failed, treating series as empty",
			zap.String("component", "forecast.history"),
			zap.Stringer("entity", e),
			zap.Error(err),
		)
		return nil
	}
	return TruncateLatest(series)
}

// TruncateLatest drops the point with the maximum date and nothing else.
func TruncateLatest(s model.Series) model.Series {
	if len(s) == 0 {
		return s
	}
	latest := 0
	for i, p := range s {
		if p.Date.After(s[latest].Date) {
			latest = i
		}
	}
	out := make(model.Series, 0, len(s)-1)
	out = append(out, s[:latest]...)
	return append(out, s[latest+1:]...)
}
