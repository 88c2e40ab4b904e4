// Package postgres provides a store.Cache on a PostgreSQL table, so runs on
// several machines can share one Context.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/trducng/theflow/runtime"
	"github.com/trducng/theflow/runtime/store"
)

// Config holds the Postgres cache configuration
type Config struct {
	ConnectionString  string `yaml:"connection_string" validate:"required,dsn"`
	Table             string `yaml:"table" default:"theflow_cache" validate:"required,max=63"`
	MaxOpenConns      int    `yaml:"max_open_conns" default:"10" validate:"gte=1,lte=100"`
	MaxIdleConns      int    `yaml:"max_idle_conns" default:"5" validate:"gte=0,lte=50"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" default:"300000" validate:"gte=0"` // 5 min default
}

var (
	identifier  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	passwordKey = regexp.MustCompile(`password=\S+`)
)

// Cache stores msgpack-encoded values in a two-column table. GetThenSet
// holds a transaction-scoped advisory lock on the key, which also covers
// keys that do not exist yet.
type Cache struct {
	Config Config
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Cache = (*Cache)(nil)
var _ runtime.Initializer = (*Cache)(nil)
var _ runtime.Shutdowner = (*Cache)(nil)

// New validates the config. Call Initialize before use.
func New(raw map[string]any, logger *slog.Logger) (*Cache, error) {
	c := &Cache{logger: logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if err := runtime.InitializeConfig(&c.Config, raw); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if !identifier.MatchString(c.Config.Table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", c.Config.Table)
	}
	return c, nil
}

// Initialize opens the connection pool and creates the table.
func (c *Cache) Initialize(ctx context.Context) error {
	c.logger.Info("Postgres cache initializing",
		"connection_string", maskConnectionString(c.Config.ConnectionString),
		"table", c.Config.Table,
		"max_open_conns", c.Config.MaxOpenConns)

	db, err := sql.Open("postgres", c.Config.ConnectionString)
	if err != nil {
		return fmt.Errorf("postgres: failed to open connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(c.Config.MaxOpenConns)
	db.SetMaxIdleConns(c.Config.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(c.Config.ConnMaxLifetimeMs) * time.Millisecond)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("postgres: failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, c.query(createTable)); err != nil {
		db.Close()
		return fmt.Errorf("postgres: failed to create table: %w", err)
	}

	c.db = db
	return nil
}

// Shutdown closes the connection pool
func (c *Cache) Shutdown(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

const (
	createTable = `CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL)`
	selectValue = `SELECT value FROM %s WHERE key = $1`
	upsertValue = `INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	deleteValue = `DELETE FROM %s WHERE key = $1`
	deleteAll   = `DELETE FROM %s`
	lockKey     = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

func (c *Cache) query(format string) string {
	return fmt.Sprintf(format, c.Config.Table)
}

func (c *Cache) conn() (*sql.DB, error) {
	if c.db == nil {
		return nil, store.ErrClosed
	}
	return c.db, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Cache) get(ctx context.Context, q queryer, key string) (any, bool, error) {
	var data []byte
	err := q.QueryRowContext(ctx, c.query(selectValue), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: get %s: %w", key, err)
	}
	v, err := store.Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) Get(key string) (any, bool, error) {
	db, err := c.conn()
	if err != nil {
		return nil, false, err
	}
	return c.get(context.Background(), db, key)
}

func (c *Cache) Set(key string, value any) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	data, err := store.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := db.Exec(c.query(upsertValue), key, data); err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(key string) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(c.query(deleteValue), key); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", key, err)
	}
	return nil
}

func (c *Cache) GetThenSet(key string, fn store.UpdateFunc) (any, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, lockKey, key); err != nil {
		return nil, fmt.Errorf("postgres: lock %s: %w", key, err)
	}
	current, ok, err := c.get(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	next, err := fn(current, ok)
	if err != nil {
		return nil, err
	}
	data, err := store.Marshal(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, c.query(upsertValue), key, data); err != nil {
		return nil, fmt.Errorf("postgres: set %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return next, nil
}

func (c *Cache) Clear() error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(c.query(deleteAll)); err != nil {
		return fmt.Errorf("postgres: clear: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.Shutdown(context.Background())
}

// maskConnectionString masks the password in a postgres connection string for logging
func maskConnectionString(connStr string) string {
	schemeEnd := strings.Index(connStr, "://")
	if schemeEnd < 0 {
		return passwordKey.ReplaceAllString(connStr, "password=***")
	}
	start := schemeEnd + len("://")
	atPos := strings.Index(connStr[start:], "@")
	if atPos < 0 {
		return connStr
	}
	atPos += start
	colonPos := strings.Index(connStr[start:atPos], ":")
	if colonPos < 0 {
		return connStr
	}
	colonPos += start
	return connStr[:colonPos+1] + "***" + connStr[atPos:]
}
