// Package persistence holds the Store backends: memory, sqlite, postgres,
// redis and mongo. Each registers itself with api.RegisterStore under its
// name, so importing the package is enough to select a backend by name
// or by api.StoreConfig.
package persistence

import (
	"context"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"
)

func init() {
	api.RegisterStore(StoreMemory, func(api.StoreConfig) (api.Store, error) {
		return NewMemoryStore(), nil
	})
	api.RegisterStore(StoreSQLite, func(cfg api.StoreConfig) (api.Store, error) {
		return opened(OpenSQLiteStore(cfg.DSN, tableName(cfg.Prefix)))
	})
	api.RegisterStore(StorePostgres, func(cfg api.StoreConfig) (api.Store, error) {
		return opened(OpenPostgresStore(cfg.DSN, tableName(cfg.Prefix)))
	})
	api.RegisterStore(StoreRedis, func(cfg api.StoreConfig) (api.Store, error) {
		return OpenRedisStore(cfg.Addr, cfg.Prefix), nil
	})
	api.RegisterStore(StoreMongo, func(cfg api.StoreConfig) (api.Store, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return opened(OpenMongoStore(ctx, cfg.URI, cfg.Database, tableName(cfg.Prefix)))
	})
}

// opened keeps a failed open from yielding a non-nil Store holding a nil
// pointer.
func opened[S api.Store](s S, err error) (api.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// tableName derives a table or collection name from a store prefix.
func tableName(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "tasks"
}
