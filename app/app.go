// Package app assembles the storage, audit and notification stack shared by
// the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/audit"
	"signflow/config"
	"signflow/db"
	"signflow/notify"
	"signflow/signature"
)

// Deps is the wired infrastructure.
type Deps struct {
	Store    signature.Store
	Audit    *audit.Logger
	Notifier notify.Notifier
	Pool     *pgxpool.Pool
}

// Close releases the database pool, if any.
func (d *Deps) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// Open builds the store selected by cfg.Database.Store. The postgres store
// migrates the schema and enqueues notifications on the outbox; the memory
// store logs them.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Deps, error) {
	switch cfg.Database.Store {
	case "memory":
		st := signature.NewMemoryStore()
		return &Deps{
			Store:    st,
			Audit:    audit.NewLogger(st, log),
			Notifier: notify.NewLogNotifier(log),
		}, nil
	case "postgres", "":
		pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		st := signature.NewPGStore(pool)
		return &Deps{
			Store:    st,
			Audit:    audit.NewLogger(st, log),
			Notifier: notify.NewOutboxNotifier(pool),
			Pool:     pool,
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown store %q", cfg.Database.Store)
	}
}

// NewLogger returns the JSON logger used by the binaries.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
