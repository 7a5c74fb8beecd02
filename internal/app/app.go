// Package app wires configuration, persistence and the auth service
// together for the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"ums.dev/internal/auth"
	"ums.dev/internal/config"
	"ums.dev/internal/migrate"
	"ums.dev/internal/store/memory"
	"ums.dev/internal/store/pg"
	"ums.dev/internal/store/sqlite"
	"ums.dev/internal/store/sqlstore"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config  *config.Config
	Store   auth.Store
	Service *auth.Service

	sql *sqlstore.Store
}

// Open connects the configured store and builds the service. observe may be nil.
func Open(ctx context.Context, cfg *config.Config, observe auth.Observer) (*App, error) {
	st, sqlStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: st, sql: sqlStore}

	svc, err := NewService(cfg.Auth, st, observe)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Service = svc
	return a, nil
}

// NewService builds the hasher, codec and service described by cfg.
func NewService(cfg config.AuthConfig, st auth.Store, observe auth.Observer) (*auth.Service, error) {
	hasher, err := auth.NewHasher(auth.WithScheme(cfg.PasswordScheme), auth.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}
	codec, err := auth.NewTokenCodec(cfg.Secret, auth.WithAlgorithm(cfg.Algorithm), auth.WithDefaultTTL(cfg.AccessTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	var opts []auth.ServiceOption
	if observe != nil {
		opts = append(opts, auth.WithObserver(observe))
	}
	return auth.NewService(st, hasher, codec, opts...)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (auth.Store, *sqlstore.Store, error) {
	switch cfg.Adapter {
	case config.AdapterMemory:
		return memory.NewSeeded(), nil, nil
	case config.AdapterSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, st, nil
	case config.AdapterPostgres:
		st, err := pg.Open(ctx, cfg.DSN, pg.PoolOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown database adapter %q", cfg.Adapter)
	}
}

// ErrNoMigrations is returned by Migrator for the in-memory adapter.
var ErrNoMigrations = errors.New("adapter has no migrations")

// Migrator returns a migration manager over the bundled migrations of the
// configured adapter. seeds may be nil.
func (a *App) Migrator(seeds fs.FS) (*migrate.Manager, error) {
	if a.sql == nil {
		return nil, ErrNoMigrations
	}
	migrations, err := migrate.Embedded(a.Config.Database.Adapter)
	if err != nil {
		return nil, err
	}
	return migrate.NewManager(a.sql.DB(), migrations, seeds, migrate.WithRebind(a.sql.Dialect().Rebind)), nil
}

// AutoMigrate applies pending migrations when enabled in config.
func (a *App) AutoMigrate(ctx context.Context) ([]string, error) {
	if !a.Config.Database.AutoMigrate || a.sql == nil {
		return nil, nil
	}
	mgr, err := a.Migrator(nil)
	if err != nil {
		return nil, err
	}
	return mgr.Up(ctx)
}

// Close releases the database connection, if any.
func (a *App) Close() error {
	if a.sql == nil {
		return nil
	}
	return a.sql.Close()
}
