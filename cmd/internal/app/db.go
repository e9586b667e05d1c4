package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nostrid/cmd/internal/ledger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// It does not run migrations; see ledger.Ledger.Migrate.
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

// ledgerHandle couples a ledger with whatever else must be released with it.
type ledgerHandle struct {
	ledger.Ledger
	backend ledger.Backend
	pool    *pgxpool.Pool
}

// Close releases the ledger and, for Postgres, the pool the app owns.
func (h ledgerHandle) Close() error {
	err := h.Ledger.Close()
	if h.pool != nil {
		h.pool.Close()
	}
	return err
}

// durable reports whether records survive a restart.
func (h ledgerHandle) durable() bool { return h.backend != ledger.BackendMemory }

// openLedger picks the ledger backend from the database URL.
func openLedger(ctx context.Context, cfg Config, log *slog.Logger) (ledgerHandle, error) {
	backend, target, err := ledger.ParseDSN(cfg.DatabaseURL)
	if err != nil {
		return ledgerHandle{}, err
	}

	switch backend {
	case ledger.BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return ledgerHandle{}, fmt.Errorf("connecting to postgres: %w", err)
		}
		// The app owns the pool; PostgresLedger.Close is a no-op.
		l, err := ledger.NewPostgresLedger(pool, ledger.WithSchema(cfg.DBSchema), ledger.WithLogger(log))
		if err != nil {
			pool.Close()
			return ledgerHandle{}, err
		}
		log.Info("db.enabled.postgres_ledger", "schema", cfg.DBSchema)
		return ledgerHandle{Ledger: l, backend: backend, pool: pool}, nil

	case ledger.BackendSQLite:
		l, err := ledger.OpenSQLite(ctx, target, log)
		if err != nil {
			return ledgerHandle{}, fmt.Errorf("opening sqlite ledger: %w", err)
		}
		log.Info("db.enabled.sqlite_ledger", "path", target)
		return ledgerHandle{Ledger: l, backend: backend}, nil

	default:
		log.Warn("db.disabled.memory_ledger", "note", "registrations are not durable across restarts")
		return ledgerHandle{Ledger: ledger.NewMemoryLedger(), backend: backend}, nil
	}
}
