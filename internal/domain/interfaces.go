package domain

import "context"

// ProviderStore persists provider records keyed by namespace. Get returns an
// error wrapping the store's not-found sentinel when no record exists.
type ProviderStore interface {
	Get(ctx context.Context, namespace string) (ProviderRecord, error)
	Set(ctx context.Context, namespace string, record ProviderRecord) error
}

// EventSink receives UI-facing events. Publish must not block for long; the
// orchestrator calls it from stream consumer goroutines.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }
