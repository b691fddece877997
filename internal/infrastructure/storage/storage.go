package storage

import (
	"context"
	"fmt"

	// database/sql drivers: "sqlite3" (ncruces, embedded build) and "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"DiscoveryScanner/internal/config"
	"DiscoveryScanner/internal/ports"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (ports.Store, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverSQLite:
		return OpenSQL(ctx, SQLite, cfg.DSN)
	case config.DriverPostgres:
		return OpenSQL(ctx, Postgres, cfg.DSN)
	case config.DriverMongo:
		database := cfg.MongoDatabase
		if database == "" {
			database = "discoveries"
		}
		return OpenMongo(ctx, cfg.DSN, database)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
