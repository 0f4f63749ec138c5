package recorder

import (
	"fmt"
	"log/slog"

	"github.com/friendmap/markerd/internal/config"
	"github.com/friendmap/markerd/internal/recorder/gormstore"
	"github.com/friendmap/markerd/internal/recorder/influx"
	"github.com/friendmap/markerd/internal/recorder/memory"
	"github.com/rs/zerolog"
)

// NewBackend creates a journal backend based on configuration.
// Database backends are connected here; Init runs when the backend is opened.
func NewBackend(cfg config.RecorderConfig, logger *slog.Logger, zl zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Memory), nil
	case "sqlite":
		db, err := gormstore.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		gc := gormstore.Config{
			FlushInterval: cfg.SQLite.FlushInterval,
			BatchSize:     cfg.SQLite.BatchSize,
		}
		if cfg.SQLite.Path == "" {
			gc.DumpPath = cfg.SQLite.DumpPath
		}
		return gormstore.New(db, gc, logger), nil
	case "postgres":
		db, err := gormstore.OpenPostgres(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return gormstore.New(db, gormstore.Config{
			FlushInterval: cfg.Postgres.FlushInterval,
			BatchSize:     cfg.Postgres.BatchSize,
		}, logger), nil
	case "influx":
		return influx.New(cfg.Influx, zl), nil
	case "none", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Type)
	}
}
