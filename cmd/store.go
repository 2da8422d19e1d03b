package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-cli/internal/config"
	"github.com/sells-group/forecast-cli/internal/store"
)

const defaultSQLitePath = "forecast.db"

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	return openStore(ctx, cfg.Store)
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	poolCfg := &store.PoolConfig{MaxConns: sc.MaxConns, MinConns: sc.MinConns}

	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "mysql":
		return store.NewMySQL(ctx, sc.DatabaseURL, poolCfg)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, poolCfg)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// openMigratedStore opens the store and applies the schema.
func openMigratedStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
