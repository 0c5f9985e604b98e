package db

import (
	"context"

	"pokebin/cfg"
)

// Store persists encoded paste records as opaque blobs keyed by an
// auto-assigned id.
type Store interface {
	Insert(ctx context.Context, blob []byte) (int64, error)
	// Fetch returns domain.ErrPasteNotFound when no row has id.
	Fetch(ctx context.Context, id int64) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the Postgres store when DATABASE_URL is set and the SQLite
// store otherwise.
func Open(c *cfg.Cfg) (Store, error) {
	if c.UsePostgres() {
		return NewPostgres(c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	}
	return NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
}
