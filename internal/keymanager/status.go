package keymanager

import (
	"time"

	"agentdesk/internal/domain"
)

// maskedPlaceholder replaces secrets too short to show a prefix and suffix
// without revealing most of the value.
const maskedPlaceholder = "****"

// Mask returns the display form of a secret: the first 8 and last 4
// characters joined by an ellipsis. Secrets of 12 characters or fewer are
// fully hidden.
func Mask(secret string) string {
	r := []rune(secret)
	if len(r) <= 12 {
		return maskedPlaceholder
	}
	return string(r[:8]) + "..." + string(r[len(r)-4:])
}

// AllKeys returns a deep copy of the pool.
func (m *Manager) AllKeys() []domain.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CloneKeys(m.keys)
}

// KeyStatuses returns the masked, UI-safe view of the pool.
func (m *Manager) KeyStatuses() []domain.KeyStatusView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StatusViews(m.keys, m.active, m.now())
}

// StatusViews builds masked views of keys as of now. Subscribers use it to
// render a KeyPoolState snapshot without calling back into the Manager.
func StatusViews(keys []domain.APIKey, active int, now time.Time) []domain.KeyStatusView {
	out := make([]domain.KeyStatusView, len(keys))
	for i, k := range keys {
		v := domain.KeyStatusView{
			MaskedKey: Mask(k.Secret),
			Status:    k.Status,
			IsActive:  i == active,
		}
		if k.Status == domain.KeyRateLimited && k.ResetTime != nil {
			reset := *k.ResetTime
			v.ResetTime = &reset
			v.TimeUntilReset = max(0, reset.Sub(now))
		}
		out[i] = v
	}
	return out
}

// HasAvailableKeys reports whether any key is valid or has an elapsed cooldown.
func (m *Manager) HasAvailableKeys() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, k := range m.keys {
		switch k.Status {
		case domain.KeyValid:
			return true
		case domain.KeyRateLimited:
			if cooldownElapsed(k, now) {
				return true
			}
		}
	}
	return false
}

// NextResetTime returns the earliest reset time among rate-limited keys.
func (m *Manager) NextResetTime() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, k := range m.keys {
		if k.Status != domain.KeyRateLimited || k.ResetTime == nil {
			continue
		}
		if !found || k.ResetTime.Before(earliest) {
			earliest = *k.ResetTime
			found = true
		}
	}
	return earliest, found
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// ActiveIndex returns the index of the active key.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// State returns a deep copy of the state as it would be persisted.
func (m *Manager) State() domain.KeyManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}
