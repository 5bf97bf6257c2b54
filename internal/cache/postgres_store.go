package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore 基于 Postgres 的持久层, 值以 BYTEA 存储 (msgpack 编码不保证是合法 UTF-8)
type PostgresStore struct {
	db    *sql.DB
	table string
}

func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStoreFromDB(db, table)
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func NewPostgresStoreFromDB(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s from postgres: %w", key, err)
	}
	return string(value), true, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, []byte(value)); err != nil {
		return fmt.Errorf("failed to put %s in postgres: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("failed to delete %s from postgres: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list postgres keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan postgres key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
