package app

import (
	"context"
	"io"
	"log/slog"

	msql "timeledger/internal/adapter/mysql"
	"timeledger/internal/adapter/sqlite"
	"timeledger/internal/config"
	"timeledger/internal/migrate"
	"timeledger/internal/ports"
	"timeledger/internal/usecase"
)

// App wires the configured store adapter into the timer use case.
type App struct {
	log   *slog.Logger
	timer *usecase.Timer
	store io.Closer
}

func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	var (
		store  ports.EntryStore
		closer io.Closer
	)
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		store, closer = s, s
	default:
		// Run migrations before opening the store for use.
		if err := migrate.Run(ctx, cfg.Store.MySQLDSN, log); err != nil {
			return nil, err
		}
		s, err := msql.NewStore(ctx, cfg.Store.MySQLDSN, log)
		if err != nil {
			return nil, err
		}
		store, closer = s, s
	}

	timer := &usecase.Timer{
		Log:   log,
		Store: store,
	}

	return &App{log: log, timer: timer, store: closer}, nil
}

// Timer exposes the wired use case, mainly for tests.
func (a *App) Timer() *usecase.Timer { return a.timer }

// Close releases the underlying store.
func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
