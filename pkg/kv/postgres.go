package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore lets the sink's own cluster double as the control-plane
// store. Same lazy-expiry scheme as the sqlite backend.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres kv store: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS ratatosk_kv (
		key TEXT PRIMARY KEY,
		value BYTEA,
		expires_at TIMESTAMPTZ
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ratatosk_kv table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT value, expires_at FROM ratatosk_kv WHERE key = $1", key).Scan(&val, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid && !expires.Time.After(time.Now()) {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM ratatosk_kv WHERE key = $1", key)
		return nil, nil
	}
	return val, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ratatosk_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expires)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ratatosk_kv WHERE key = $1", key)
	return err
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM ratatosk_kv WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now()) ORDER BY key`,
		prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
