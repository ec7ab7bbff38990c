// Package backend opens the configured storage implementation.
package backend

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/postgres"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/sqlite"
)

func Open(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres storage requires PG_URL")
		}
		return postgres.New(cfg.PostgresURL, logger)
	case "sqlite", "":
		return sqlite.New(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
