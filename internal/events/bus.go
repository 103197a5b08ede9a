// Package events fans orchestrator and key pool events out to any number of
// subscribers.
package events

import (
	"log/slog"
	"sync"

	"agentdesk/internal/domain"
)

// Option is a functional option for configuring a Bus.
type Option func(*Bus)

// WithLogger sets a structured logger for the Bus. If l is nil it is ignored
// and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

type subscriber struct {
	id   uint64
	sink domain.EventSink
}

// Bus is a domain.EventSink that delivers each event to every subscriber in
// subscription order. Publish is synchronous, so subscribers must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *slog.Logger
}

// NewBus returns an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// Subscribe adds sink and returns a function that removes it. Calling the
// returned function more than once is safe.
func (b *Bus) Subscribe(sink domain.EventSink) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, sink: sink})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish implements domain.EventSink. A panicking subscriber is logged and
// skipped.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("events: subscriber panicked", "subscriber", s.id, "type", ev.Type, "panic", r)
		}
	}()
	s.sink.Publish(ev)
}

var _ domain.EventSink = (*Bus)(nil)
