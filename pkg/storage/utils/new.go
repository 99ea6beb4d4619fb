package storageutils

import (
	"context"
	"fmt"

	"github.com/counselhq/counsel/pkg/storage"
	"github.com/counselhq/counsel/pkg/storage/inmemory"
	"github.com/counselhq/counsel/pkg/storage/postgres"
	"github.com/counselhq/counsel/pkg/storage/sqlite"
)

type NewDriverOpts struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// NewDriver constructs the storage driver selected by the storage.driver
// config key. An empty driver falls back to inmemory.
func NewDriver(ctx context.Context, o *NewDriverOpts) (storage.Driver, error) {
	switch o.Driver {
	case "", "inmemory":
		return inmemory.NewDriver(), nil
	case "sqlite":
		if o.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite storage requires storage.sqlite_path")
		}
		return sqlite.NewSQLiteDriver(o.SQLitePath)
	case "postgres":
		if o.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires storage.postgres_dsn")
		}
		return postgres.NewDriver(ctx, o.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", o.Driver)
	}
}
