// Package database keeps an optional Postgres history of deployment events.
package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pseegers/mendel/common"
)

// Store is the deployment history store. A nil *Store is valid and records nothing.
type Store struct {
	pool *pgxpool.Pool
}

// DSNFromEnv returns MENDEL_DB_DSN, or "" when history is not configured.
func DSNFromEnv() string {
	return strings.TrimSpace(common.Env("MENDEL_DB_DSN", ""))
}

// OpenFromEnv connects to the history database when MENDEL_DB_DSN is set.
// It returns a nil Store and no error when it is not.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	dsn := DSNFromEnv()
	if dsn == "" {
		return nil, nil
	}
	return Open(ctx, dsn)
}

// Open connects, pings and applies pending migrations unless
// MENDEL_DB_MIGRATE is false.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: MENDEL_DB_DSN: %v", common.ErrConfiguration, err)
	}
	cfg.MaxConns = int32(common.EnvInt("MENDEL_DB_MAX_CONNS", 4))
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	common.DebugLog("db: connected to Postgres (max_conns=%d)", cfg.MaxConns)

	if common.EnvBool("MENDEL_DB_MIGRATE", "true") {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
}

// pendingMigrations orders the NNN_name.sql files newer than current.
func pendingMigrations(names []string, current int) []migration {
	var list []migration
	for _, n := range names {
		if !strings.HasSuffix(n, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(n, "_")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			continue
		}
		if v > current {
			list = append(list, migration{version: v, name: n})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].version < list[j].version })
	return list
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version int PRIMARY KEY)`); err != nil {
		return err
	}
	var current int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	for _, m := range pendingMigrations(names, current) {
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + m.name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.version); err != nil {
			return err
		}
		common.InfoLog("db: applied migration %s", m.name)
	}
	return tx.Commit(ctx)
}
