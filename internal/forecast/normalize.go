package forecast

import (
	"context"
	"math"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-cli/internal/model"
)

// ResolveFunc maps an ASIN to its IWASKU. Implementations fall back to the
// ASIN itself when no mapping exists.
type ResolveFunc func(ctx context.Context, asin string) (string, error)

// Normalize shapes forecast points into storage rows for key: one row per
// point, all sharing the resolved IWASKU, values clamped to >= 0 and tagged
// as forecast.
func Normalize(ctx context.Context, forecast model.Series, key model.EntityKey, resolve ResolveFunc) ([]model.ForecastRow, error) {
	iwasku := key.ASIN
	if resolve != nil {
		resolved, err := resolve(ctx, key.ASIN)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: resolve iwasku for %s", key.ASIN)
		}
		if resolved != "" {
			iwasku = resolved
		}
	}

	rows := make([]model.ForecastRow, len(forecast))
	for i, p := range forecast {
		rows[i] = model.ForecastRow{
			ASIN:         key.ASIN,
			SalesChannel: key.SalesChannel,
			IWASKU:       iwasku,
			SaleDate:     p.Date.Format(model.DateLayout),
			Quantity:     math.Max(p.Value, 0),
			Source:       model.SourceForecast,
		}
	}
	return rows, nil
}

// CachedResolver memoizes successful lookups for the lifetime of one run.
type CachedResolver struct {
	resolve ResolveFunc

	mu    sync.Mutex
	cache map[string]string
}

// NewCachedResolver wraps resolve.
func NewCachedResolver(resolve ResolveFunc) *CachedResolver {
	return &CachedResolver{resolve: resolve, cache: make(map[string]string)}
}

// Resolve returns the cached IWASKU for asin, looking it up on first use.
func (c *CachedResolver) Resolve(ctx context.Context, asin string) (string, error) {
	c.mu.Lock()
	v, ok := c.cache[asin]
	c.mu.Unlock()
	if ok {
		return v, nil
	}

	v, err := c.resolve(ctx, asin)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[asin] = v
	c.mu.Unlock()
	return v, nil
}
