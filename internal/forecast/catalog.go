package forecast

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/forecast-cli/internal/model"
	"github.com/sells-group/forecast-cli/internal/resilience"
	"github.com/sells-group/forecast-cli/internal/store"
)

// CatalogStore lists forecastable entities.
type CatalogStore interface {
	ListEntities(ctx context.Context, filter store.EntityFilter) ([]model.EntityKey, error)
	ListGroups(ctx context.Context, prefixLen int) ([]string, error)
}

// Catalog discovers entities with actual data. Read failures are retried
// when transient, then logged and reported as an empty catalog.
type Catalog struct {
	store          CatalogStore
	retry          resilience.RetryConfig
	groupPrefixLen int
	groupChannel   string
}

// NewCatalog creates a Catalog. Group entities are attributed to groupChannel.
func NewCatalog(st CatalogStore, retry resilience.RetryConfig, groupPrefixLen int, groupChannel string) *Catalog {
	return &Catalog{store: st, retry: retry, groupPrefixLen: groupPrefixLen, groupChannel: groupChannel}
}

// Entities returns the distinct ASIN/channel pairs matching filter.
func (c *Catalog) Entities(ctx context.Context, filter store.EntityFilter) []model.Entity {
	log := zap.L().With(zap.String("component", "forecast.catalog"))

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("forecast.catalog", "list_entities")
	keys, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]model.EntityKey, error) {
		return c.store.ListEntities(ctx, filter)
	})
	if err != nil {
		log.Error("entity discovery failed, treating catalog as empty",
			zap.String("asin", filter.ASIN),
			zap.String("sales_channel", filter.SalesChannel),
			zap.String("iwasku", filter.IWASKU),
			zap.Error(err),
		)
		return nil
	}

	entities := make([]model.Entity, len(keys))
	for i, k := range keys {
		entities[i] = model.Entity{Key: k}
	}
	return entities
}

// Groups returns one entity per distinct IWASKU prefix.
func (c *Catalog) Groups(ctx context.Context) []model.Entity {
	log := zap.L().With(zap.String("component", "forecast.catalog"))

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("forecast.catalog", "list_groups")
	ids, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]string, error) {
		return c.store.ListGroups(ctx, c.groupPrefixLen)
	})
	if err != nil {
		log.Error("group discovery failed, treating catalog as empty",
			zap.Int("prefix_len", c.groupPrefixLen),
			zap.Error(err),
		)
		return nil
	}

	entities := make([]model.Entity, len(ids))
	for i, id := range ids {
		entities[i] = model.NewGroupEntity(id, c.groupChannel)
	}
	return entities
}
