// Package keymanager keeps the health of a provider's API key pool and decides
// which key outbound requests use. One Manager serves one provider namespace;
// the composition root builds it and hands it to the orchestrator.
package keymanager

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/retry"
	"agentdesk/internal/store"
)

// DefaultMaxPoolSize is the largest pool a Manager accepts unless configured.
const DefaultMaxPoolSize = 5

// persistTimeout bounds a single write-through; tests may shorten it.
var persistTimeout = 5 * time.Second

// Sentinel errors returned by mutating operations.
var (
	ErrPoolFull        = errors.New("keymanager: key pool is full")
	ErrDuplicateKey    = errors.New("keymanager: key already in pool")
	ErrEmptyKey        = errors.New("keymanager: key must not be empty")
	ErrIndexOutOfRange = errors.New("keymanager: key index out of range")
	ErrLastKey         = errors.New("keymanager: cannot remove the last key")
	ErrEmptyKeyList    = errors.New("keymanager: key list must not be empty")
	ErrKeyInvalid      = errors.New("keymanager: key is marked invalid")
	ErrKeyUnavailable  = errors.New("keymanager: key is cooling down")
	ErrEmptyPool       = errors.New("keymanager: key pool is empty")
)

// Seed is the configured starting point for Init: raw secrets plus an
// optional preferred active index.
type Seed struct {
	Keys        []string
	ActiveIndex *int
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the Manager. If l is nil it is
// ignored and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCooldown overrides the rate-limit cooldown policy.
func WithCooldown(c retry.Cooldown) Option {
	return func(m *Manager) {
		if c.Validate() == nil {
			m.cooldown = c
		}
	}
}

// WithMaxPoolSize overrides the maximum pool size. Values below 1 are ignored.
func WithMaxPoolSize(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.maxPoolSize = n
		}
	}
}

type observer struct {
	id uint64
	fn func(domain.KeyPoolState)
}

// Manager is the single source of truth for which key a provider uses. All
// state is guarded by one mutex; a mutation is persisted before the next one
// is accepted. Manager is safe for concurrent use.
type Manager struct {
	namespace   string
	store       domain.ProviderStore // nil disables persistence
	cooldown    retry.Cooldown
	maxPoolSize int
	logger      *slog.Logger
	nowFunc     func() time.Time

	mu           sync.Mutex
	initialized  bool
	keys         []domain.APIKey
	active       int
	lastRotation time.Time

	// notifyMu is taken before mu is released so notifications leave in
	// mutation order.
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers []observer
	nextObsID uint64
}

// New returns an uninitialized Manager for namespace. Call Init before use.
func New(namespace string, s domain.ProviderStore, opts ...Option) *Manager {
	m := &Manager{
		namespace:   namespace,
		store:       s,
		cooldown:    retry.DefaultCooldown(),
		maxPoolSize: DefaultMaxPoolSize,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// log returns the Manager's logger, falling back to the default slog logger.
func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

func (m *Manager) now() time.Time {
	return m.nowFunc()
}

// Namespace returns the provider namespace this manager serves.
func (m *Manager) Namespace() string { return m.namespace }

// Init loads persisted state, reconciles it with the configured secrets and
// persists the result. Calling Init again is a no-op.
//
// Configured secrets come from the stored record's apiKeys when it has any
// (admin edits survive restarts), otherwise from seed. Per-key health is
// reused for every secret found in the persisted snapshot. The active index is
// restored from the snapshot, then the configured index, then 0.
func (m *Manager) Init(ctx context.Context, seed Seed) error {
	if m.Initialized() {
		return nil
	}
	var (
		rec    domain.ProviderRecord
		hasRec bool
	)
	if m.store != nil {
		r, err := m.store.Get(ctx, m.namespace)
		switch {
		case err == nil:
			rec, hasRec = r, true
		case errors.Is(err, store.ErrNotFound):
		case ctx.Err() != nil:
			return err
		default:
			m.log().Warn("keymanager: load persisted state failed, starting fresh",
				"namespace", m.namespace, "error", err)
		}
	}

	return m.mutate(func(now time.Time) (bool, error) {
		if m.initialized {
			return false, nil
		}

		configured := normalizeSecrets(seed.Keys)
		configuredActive := seed.ActiveIndex
		if hasRec && len(normalizeSecrets(rec.APIKeys)) > 0 {
			configured = normalizeSecrets(rec.APIKeys)
			idx := rec.ActiveKeyIndex
			configuredActive = &idx
		}
		if len(configured) > m.maxPoolSize {
			m.log().Warn("keymanager: configured keys exceed pool size, extra keys ignored",
				"namespace", m.namespace, "configured", len(configured), "max", m.maxPoolSize)
			configured = configured[:m.maxPoolSize]
		}

		var persisted *domain.KeyManagerState
		if hasRec {
			persisted = rec.KeyManagerState
		}
		m.keys = reconcile(configured, persisted)

		m.active = 0
		switch {
		case persisted != nil && inRange(persisted.ActiveKeyIndex, len(m.keys)):
			m.active = persisted.ActiveKeyIndex
		case configuredActive != nil && inRange(*configuredActive, len(m.keys)):
			m.active = *configuredActive
		}
		if persisted != nil {
			m.lastRotation = persisted.LastRotationTime
		}

		released := m.releaseExpiredLocked(now)
		m.initialized = true
		m.log().Info("keymanager: initialized",
			"namespace", m.namespace,
			"keys", len(m.keys),
			"active_index", m.active,
			"released", released,
		)
		return true, nil
	})
}

// Initialized reports whether Init has completed.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// mutate runs fn under the state lock. When fn reports a change the state is
// persisted before the lock is released, then observers are notified.
// Observers must not call mutating methods synchronously.
func (m *Manager) mutate(fn func(now time.Time) (changed bool, err error)) error {
	m.mu.Lock()
	now := m.now()
	changed, err := fn(now)
	if err != nil || !changed {
		m.mu.Unlock()
		return err
	}
	m.persistLocked(now)
	snap := m.poolStateLocked()

	m.notifyMu.Lock()
	m.mu.Unlock()
	m.deliver(snap)
	m.notifyMu.Unlock()
	return nil
}

// persistLocked writes the current state through to the store. Failures are
// logged and swallowed; memory stays authoritative. The stored record is
// read first so fields this package does not own (model, baseURL) survive.
func (m *Manager) persistLocked(now time.Time) {
	m.lastRotation = now
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec, err := m.store.Get(ctx, m.namespace)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log().Warn("keymanager: read before persist failed", "namespace", m.namespace, "error", err)
		rec = domain.ProviderRecord{}
	}
	state := m.stateLocked()
	rec.APIKeys = secretsOf(state.Keys)
	rec.ActiveKeyIndex = state.ActiveKeyIndex
	rec.KeyManagerState = &state

	if err := m.store.Set(ctx, m.namespace, rec); err != nil {
		m.log().Error("keymanager: persist failed", "namespace", m.namespace, "error", err)
	}
}

func (m *Manager) stateLocked() domain.KeyManagerState {
	return domain.KeyManagerState{
		Keys:             domain.CloneKeys(m.keys),
		ActiveKeyIndex:   m.active,
		LastRotationTime: m.lastRotation,
	}
}

func (m *Manager) poolStateLocked() domain.KeyPoolState {
	return domain.KeyPoolState{
		Namespace:   m.namespace,
		Keys:        domain.CloneKeys(m.keys),
		ActiveIndex: m.active,
	}
}

// reconcile builds the pool from configured secrets, reusing health from a
// persisted entry with the same secret.
func reconcile(configured []string, persisted *domain.KeyManagerState) []domain.APIKey {
	prior := make(map[string]domain.APIKey)
	if persisted != nil {
		for _, k := range persisted.Keys {
			prior[k.Secret] = k
		}
	}
	keys := make([]domain.APIKey, 0, len(configured))
	for _, s := range configured {
		if k, ok := prior[s]; ok {
			k = k.Clone()
			if k.Status == "" {
				k.Status = domain.KeyValid
			}
			keys = append(keys, k)
			continue
		}
		keys = append(keys, freshKey(s))
	}
	return keys
}

func freshKey(secret string) domain.APIKey {
	return domain.APIKey{Secret: secret, Status: domain.KeyValid}
}

// normalizeSecrets trims whitespace and drops empty and duplicate entries,
// keeping first occurrence order.
func normalizeSecrets(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func secretsOf(keys []domain.APIKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Secret
	}
	return out
}

func inRange(i, n int) bool {
	return i >= 0 && i < n
}
