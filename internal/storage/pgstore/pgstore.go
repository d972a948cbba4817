// Package pgstore implements storage.KV and storage.Blob on PostgreSQL.
// Live pipeline records go to conductor_kv and checkpoints to conductor_blobs.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Iron-Ham/conductor/internal/storage"
)

// Config holds connection settings.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suitable for a single orchestrator.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Validate checks the pool settings for consistency.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping_timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max_open_conns must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("postgres max_idle_conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max_idle_conns must be <= max_open_conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("postgres conn_max_lifetime must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("postgres conn_max_idle_time must be >= 0")
	}
	return nil
}

// Open connects to PostgreSQL through the pgx stdlib driver and pings it.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// Store is a PostgreSQL-backed KV and Blob store.
type Store struct {
	db *sql.DB
}

var (
	_ storage.KV   = (*Store)(nil)
	_ storage.Blob = (*Store)(nil)
)

// New wraps an open database. Run Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Connect opens the database, applies migrations and returns a Store.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const (
	selectKV = `SELECT value FROM conductor_kv WHERE key = $1`
	upsertKV = `INSERT INTO conductor_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteKV = `DELETE FROM conductor_kv WHERE key = $1`

	selectBlob = `SELECT value FROM conductor_blobs WHERE key = $1`
	upsertBlob = `INSERT INTO conductor_blobs (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteBlob = `DELETE FROM conductor_blobs WHERE key = $1`
	listBlobs  = `SELECT key FROM conductor_blobs WHERE starts_with(key, $1) ORDER BY key`
)

func (s *Store) get(ctx context.Context, query, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// GetItem implements storage.KV.
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, selectKV, key)
}

// PutItem implements storage.KV.
func (s *Store) PutItem(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.exec(ctx, upsertKV, key, value)
}

// DeleteItem implements storage.KV.
func (s *Store) DeleteItem(ctx context.Context, key string) error {
	return s.exec(ctx, deleteKV, key)
}

// Put implements storage.Blob.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	return s.exec(ctx, upsertBlob, key, data)
}

// Get implements storage.Blob.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, selectBlob, key)
}

// Delete implements storage.Blob.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.exec(ctx, deleteBlob, key)
}

// ListByPrefix implements storage.Blob.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listBlobs, prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return keys, nil
}
