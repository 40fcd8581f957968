package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeguard/internal/store"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS safety_records (
	key        TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RecordStore is a PostgreSQL implementation of store.RecordStore.
// One row per logical key; writes are upserts (last writer wins).
type RecordStore struct {
	pool *Pool
}

// NewRecordStore creates the store and ensures the table exists.
func NewRecordStore(ctx context.Context, pool *Pool) (*RecordStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate safety_records: %w", err)
	}
	return &RecordStore{pool: pool}, nil
}

// Get decodes the document stored under key into dst.
func (s *RecordStore) Get(ctx context.Context, key string, dst interface{}) error {
	if key == "" {
		return store.ErrInvalidKey
	}
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM safety_records WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("select record %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode record %s: %w", key, err)
	}
	return nil
}

// Put upserts doc under key.
func (s *RecordStore) Put(ctx context.Context, key string, doc interface{}) error {
	if key == "" {
		return store.ErrInvalidKey
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO safety_records (key, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET doc = EXCLUDED.doc,
		    updated_at = NOW()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", key, err)
	}
	return nil
}
