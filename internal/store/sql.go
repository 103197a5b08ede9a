package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentdesk/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS provider_records (
	namespace  TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLStore keeps one JSON-encoded record per namespace in a SQL table. It
// works with both the local sqlite and remote libSQL drivers.
type SQLStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLStore creates the table if needed and returns the store. The store
// takes ownership of db and closes it on Close.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("store: db must not be nil")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &SQLStore{db: db, nowFunc: time.Now}, nil
}

// Get implements domain.ProviderStore.
func (s *SQLStore) Get(ctx context.Context, namespace string) (domain.ProviderRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM provider_records WHERE namespace = ?`, namespace).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProviderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, namespace)
	}
	if err != nil {
		return domain.ProviderRecord{}, fmt.Errorf("store query: %w", err)
	}
	var rec domain.ProviderRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.ProviderRecord{}, fmt.Errorf("store parse %s: %w", namespace, err)
	}
	return rec, nil
}

// Set implements domain.ProviderStore.
func (s *SQLStore) Set(ctx context.Context, namespace string, record domain.ProviderRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_records (namespace, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(namespace) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		namespace, string(data), s.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store upsert: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) (map[string]domain.ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT namespace, record FROM provider_records ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("store query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.ProviderRecord)
	for rows.Next() {
		var ns, raw string
		if err := rows.Scan(&ns, &raw); err != nil {
			return nil, fmt.Errorf("store scan: %w", err)
		}
		var rec domain.ProviderRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("store parse %s: %w", ns, err)
		}
		out[ns] = rec
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Compile-time check that SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
