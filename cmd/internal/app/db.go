package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// It does not create tables; see Migrate.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// storeHandle owns a messaging.Store and whatever backs it.
type storeHandle struct {
	kind  string
	store messaging.Store
	pool  *pgxpool.Pool

	// ping is nil for the in-memory store.
	ping func(ctx context.Context) error
}

func (h *storeHandle) Close() error {
	err := h.store.Close()
	if h.pool != nil {
		h.pool.Close()
	}
	return err
}

// openStore opens the store selected by cfg. migrate applies the Postgres
// schema; SQLite always creates its tables on open.
func openStore(ctx context.Context, cfg Config, log Logger, migrate bool) (*storeHandle, error) {
	switch cfg.storeKind() {
	case StoreMemory:
		log.Info("store.open", "kind", StoreMemory)
		return &storeHandle{kind: StoreMemory, store: messaging.NewInMemoryStore()}, nil

	case StoreSQLite:
		st, err := messaging.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("store.open", "kind", StoreSQLite, "path", cfg.SQLitePath)
		return &storeHandle{kind: StoreSQLite, store: st, ping: st.Ping}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		// The pool is owned here; PostgresStore.Close is a no-op.
		st, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if migrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info("store.migrated", "kind", StorePostgres, "schema", cfg.DBSchema)
		}
		log.Info("store.open", "kind", StorePostgres, "schema", cfg.DBSchema)
		return &storeHandle{
			kind:  StorePostgres,
			store: st,
			pool:  pool,
			ping: func(ctx context.Context) error {
				return PingDB(ctx, pool, 2*time.Second)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Migrate applies the schema of the configured database store.
func Migrate(ctx context.Context, cfg Config, log Logger) error {
	if cfg.storeKind() == StoreMemory {
		return errors.New("migrate: the memory store has no schema; set RELAY_DATABASE_URL or RELAY_SQLITE_PATH")
	}
	h, err := openStore(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	return h.Close()
}
