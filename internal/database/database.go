package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fluentsync/internal/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB is the durable queue store. It holds two collections: queue (pending items)
// and failed (items that exhausted their retries).
type DB struct {
	*sql.DB
	driver string
	logger *zerolog.Logger
}

// Open selects the backend named by cfg.Driver.
func Open(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewDB(cfg.Path, logger)
	case DriverPostgres:
		return NewPostgresDB(cfg.Postgres.DSN, cfg.Postgres.MaxConnections, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewDB opens (creating if needed) the sqlite queue file at path.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases coherent.
	sqlDB.SetMaxOpenConns(1)

	return initDB(sqlDB, DriverSQLite, logger, "path", path)
}

// NewPostgresDB connects to a postgres server through lib/pq.
func NewPostgresDB(dsn string, maxConns int, logger *zerolog.Logger) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}
	return initDB(sqlDB, DriverPostgres, logger, "driver", DriverPostgres)
}

func initDB(sqlDB *sql.DB, driver string, logger *zerolog.Logger, key, value string) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver, logger: logger}
	if err := db.createTables(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str(key, value).Msg("queue database initialized")
	return db, nil
}

func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queue (
            id TEXT PRIMARY KEY,
            url TEXT NOT NULL,
            method TEXT NOT NULL,
            headers TEXT NOT NULL DEFAULT '{}',
            body TEXT NOT NULL DEFAULT '',
            idempotency_key TEXT NOT NULL,
            priority TEXT NOT NULL DEFAULT 'normal',
            created_at BIGINT NOT NULL,
            retries INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS failed (
            id TEXT PRIMARY KEY,
            url TEXT NOT NULL,
            method TEXT NOT NULL,
            headers TEXT NOT NULL DEFAULT '{}',
            body TEXT NOT NULL DEFAULT '',
            idempotency_key TEXT NOT NULL,
            priority TEXT NOT NULL DEFAULT 'normal',
            created_at BIGINT NOT NULL,
            retries INTEGER NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT '',
            failed_at BIGINT NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_queue_created_at ON queue(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue(priority)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_created_at ON failed(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Driver reports the backend in use.
func (db *DB) Driver() string {
	return db.driver
}

// rebind rewrites ? placeholders into $N for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) Close() error {
	return db.DB.Close()
}
