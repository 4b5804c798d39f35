package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/chatfight/internal/config"
)

// ErrInvalidStore marks store settings that can never work, as opposed to a
// backend that is unreachable right now.
var ErrInvalidStore = errors.New("invalid store config")

// NewStore builds the backend selected by cfg.Driver.
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.StoreDriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = config.DefaultSQLitePath()
		}
		return NewSQLStore(ctx, "sqlite", dsn)
	case config.StoreDriverPostgres:
		return NewSQLStore(ctx, "postgres", cfg.DSN)
	case config.StoreDriverMongo:
		database := cfg.Database
		if database == "" {
			database = config.DefaultMongoDatabase
		}
		collection := cfg.Collection
		if collection == "" {
			collection = config.DefaultMongoCollection
		}
		return NewMongoStore(ctx, cfg.DSN, database, collection)
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidStore, cfg.Driver)
	}
}
