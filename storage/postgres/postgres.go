// Package postgres implements storage.Storage on a single PostgreSQL table.
//
// Expired rows are invisible to Get immediately and are deleted by Purge.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/MrEthical07/authflow/storage"
)

const defaultTable = "authflow_kv"

// Store persists entries as (key, value, expires_at) rows.
type Store struct {
	db    *sql.DB
	table string
	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the table name. The name is quoted, not interpolated raw.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// WithClock sets the clock used to compute expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, table: defaultTable, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var (
	_ storage.Storage = (*Store)(nil)
	_ storage.Swapper = (*Store)(nil)
)

func (s *Store) ident() string {
	return pq.QuoteIdentifier(s.table)
}

// Migrate creates the backing table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		)`, s.ident())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: migrate: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullTime
	)
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE key = $1`, s.ident())
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if expiresAt.Valid && !s.clock().Before(expiresAt.Time) {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return errors.New("postgres: negative ttl")
	}
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: s.clock().Add(ttl), Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`, s.ident())
	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.ident())
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Swap implements storage.Swapper. The value comparison sits in the WHERE
// clause so the row lock taken by UPDATE or DELETE decides the winner.
func (s *Store) Swap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, errors.New("postgres: negative ttl")
	}
	now := s.clock()

	var (
		res sql.Result
		err error
	)
	if next == nil {
		query := fmt.Sprintf(`
			DELETE FROM %s
			WHERE key = $1 AND value = $2
			  AND (expires_at IS NULL OR expires_at > $3)`, s.ident())
		res, err = s.db.ExecContext(ctx, query, key, prev, now)
	} else {
		var expiresAt sql.NullTime
		if ttl > 0 {
			expiresAt = sql.NullTime{Time: now.Add(ttl), Valid: true}
		}
		query := fmt.Sprintf(`
			UPDATE %s SET value = $3, expires_at = $4
			WHERE key = $1 AND value = $2
			  AND (expires_at IS NULL OR expires_at > $5)`, s.ident())
		res, err = s.db.ExecContext(ctx, query, key, prev, next, expiresAt, now)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return n == 1, nil
}

// Purge deletes expired rows and reports how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.ident())
	res, err := s.db.ExecContext(ctx, query, s.clock())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return n, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
