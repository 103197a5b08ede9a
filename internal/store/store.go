// Package store persists provider records (key pools and their health) so the
// key manager resumes with the same picture after a restart.
package store

import (
	"context"
	"errors"

	"agentdesk/internal/domain"
)

// ErrNotFound is returned by Get when a namespace has no record.
var ErrNotFound = errors.New("store: record not found")

// Store is a durable provider record store.
type Store interface {
	domain.ProviderStore

	// List returns every record keyed by namespace.
	List(ctx context.Context) (map[string]domain.ProviderRecord, error)

	// Close releases the underlying resources.
	Close() error
}
