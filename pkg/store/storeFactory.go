package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/corporate-actions/pkg/config"
)

const defaultMongoDatabase = "corporate_actions"

var sqlOpen = sql.Open

var NewSpannerStoreFactory = func(client *spanner.Client) EventStore {
	return NewSpannerStore(client)
}

// NewStore builds the EventStore selected by cfg.Type.
func NewStore(ctx context.Context, cfg config.DbSettings) (EventStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, PostgresDialect), nil
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		database := cfg.Name
		if database == "" {
			database = defaultMongoDatabase
		}
		store := NewMongoStore(client, database, cfg.Collection)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerStoreFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
