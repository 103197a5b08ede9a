package keymanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/store"
)

// memStore is an in-memory domain.ProviderStore with fault injection.
type memStore struct {
	mu     sync.Mutex
	recs   map[string]domain.ProviderRecord
	getErr error
	setErr error
	sets   int
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]domain.ProviderRecord)}
}

func (s *memStore) Get(_ context.Context, ns string) (domain.ProviderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.ProviderRecord{}, s.getErr
	}
	rec, ok := s.recs[ns]
	if !ok {
		return domain.ProviderRecord{}, fmt.Errorf("%w: %s", store.ErrNotFound, ns)
	}
	return rec, nil
}

func (s *memStore) Set(_ context.Context, ns string, rec domain.ProviderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.recs[ns] = rec
	return nil
}

func (s *memStore) record(ns string) (domain.ProviderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[ns]
	return rec, ok
}

func (s *memStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

// fakeClock is a settable clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testKeys returns n distinct secrets long enough to be masked.
func testKeys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("AIzaSyTestKey-%02d-abcdefgh", i)
	}
	return out
}

func newTestManager(keys []string, opts ...Option) (*Manager, *memStore, *fakeClock) {
	st := newMemStore()
	clk := newFakeClock()
	m := New("gemini", st, opts...)
	m.nowFunc = clk.Now
	if err := m.Init(context.Background(), Seed{Keys: keys}); err != nil {
		panic(err)
	}
	return m, st, clk
}

func ptr[T any](v T) *T { return &v }
