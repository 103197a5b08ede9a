package keymanager

import (
	"time"

	"agentdesk/internal/domain"
)

// GetActiveKey returns the active key, stamping its lastUsed. When the active
// key is not valid it rotates and returns whatever rotation finds; false means
// the pool is empty or exhausted.
func (m *Manager) GetActiveKey() (domain.APIKey, bool) {
	var (
		key domain.APIKey
		ok  bool
	)
	_ = m.mutate(func(now time.Time) (bool, error) {
		if len(m.keys) == 0 {
			return false, nil
		}
		k := &m.keys[m.active]
		if k.Status == domain.KeyValid {
			k.LastUsed = &now
			key, ok = k.Clone(), true
			return false, nil
		}
		key, ok = m.rotateLocked(now)
		return ok, nil
	})
	return key, ok
}

// SwitchToNextAvailableKey scans the ring once starting after the active
// index. The first valid key wins; a rate-limited key whose cooldown elapsed
// is reset to valid and wins. Invalid keys are never selected. The current key
// is considered last. False means the pool is exhausted.
func (m *Manager) SwitchToNextAvailableKey() (domain.APIKey, bool) {
	var (
		key domain.APIKey
		ok  bool
	)
	_ = m.mutate(func(now time.Time) (bool, error) {
		key, ok = m.rotateLocked(now)
		return ok, nil
	})
	return key, ok
}

func (m *Manager) rotateLocked(now time.Time) (domain.APIKey, bool) {
	n := len(m.keys)
	for i := 1; i <= n; i++ {
		idx := (m.active + i) % n
		k := &m.keys[idx]
		switch k.Status {
		case domain.KeyValid:
		case domain.KeyRateLimited:
			if !cooldownElapsed(*k, now) {
				continue
			}
			resurrect(k)
		default:
			continue
		}
		prev := m.active
		m.active = idx
		k.LastUsed = &now
		m.log().Info("keymanager: rotated active key",
			"namespace", m.namespace,
			"from_index", prev,
			"to_index", idx,
			"key", Mask(k.Secret),
		)
		return k.Clone(), true
	}
	m.log().Warn("keymanager: no available keys", "namespace", m.namespace, "keys", n)
	return domain.APIKey{}, false
}

// SwitchToKey makes the key at index active. It fails for an out-of-range
// index, an invalid key, or a key still cooling down. An elapsed cooldown is
// cleared first.
func (m *Manager) SwitchToKey(index int) error {
	return m.mutate(func(now time.Time) (bool, error) {
		if !inRange(index, len(m.keys)) {
			return false, ErrIndexOutOfRange
		}
		k := &m.keys[index]
		if k.Status == domain.KeyInvalid {
			return false, ErrKeyInvalid
		}
		if k.Status == domain.KeyRateLimited && cooldownElapsed(*k, now) {
			resurrect(k)
		}
		if k.Status != domain.KeyValid {
			return false, ErrKeyUnavailable
		}
		m.active = index
		k.LastUsed = &now
		m.log().Info("keymanager: switched active key",
			"namespace", m.namespace, "index", index, "key", Mask(k.Secret))
		return true, nil
	})
}

// MarkCurrentAsRateLimited puts the active key into cooldown. The reset time
// is override when given, otherwise now + base * min(errorCount, cap).
func (m *Manager) MarkCurrentAsRateLimited(override *time.Time) error {
	return m.mutate(func(now time.Time) (bool, error) {
		if len(m.keys) == 0 {
			return false, ErrEmptyPool
		}
		k := &m.keys[m.active]
		k.Status = domain.KeyRateLimited
		k.ErrorCount++
		reset := m.cooldown.ResetTime(now, k.ErrorCount)
		if override != nil {
			reset = *override
		}
		k.ResetTime = &reset
		m.log().Warn("keymanager: key rate limited",
			"namespace", m.namespace,
			"index", m.active,
			"key", Mask(k.Secret),
			"error_count", k.ErrorCount,
			"reset_time", reset,
		)
		return true, nil
	})
}

// MarkCurrentAsInvalid marks the active key permanently unusable. Invalid keys
// are only cleared by replacing them.
func (m *Manager) MarkCurrentAsInvalid() error {
	return m.mutate(func(now time.Time) (bool, error) {
		if len(m.keys) == 0 {
			return false, ErrEmptyPool
		}
		k := &m.keys[m.active]
		k.Status = domain.KeyInvalid
		k.ErrorCount++
		k.ResetTime = nil
		m.log().Warn("keymanager: key marked invalid",
			"namespace", m.namespace,
			"index", m.active,
			"key", Mask(k.Secret),
			"error_count", k.ErrorCount,
		)
		return true, nil
	})
}

// ReleaseExpired returns every rate-limited key whose cooldown elapsed to
// valid and reports how many were released. Nothing is persisted or notified
// when no key changed.
func (m *Manager) ReleaseExpired() int {
	var n int
	_ = m.mutate(func(now time.Time) (bool, error) {
		n = m.releaseExpiredLocked(now)
		return n > 0, nil
	})
	return n
}

func (m *Manager) releaseExpiredLocked(now time.Time) int {
	n := 0
	for i := range m.keys {
		k := &m.keys[i]
		if k.Status == domain.KeyRateLimited && cooldownElapsed(*k, now) {
			resurrect(k)
			n++
		}
	}
	return n
}

// cooldownElapsed reports whether a rate-limited key may be used again. A
// missing reset time counts as elapsed.
func cooldownElapsed(k domain.APIKey, now time.Time) bool {
	return k.ResetTime == nil || now.After(*k.ResetTime)
}

func resurrect(k *domain.APIKey) {
	k.Status = domain.KeyValid
	k.ResetTime = nil
	k.ErrorCount = 0
}
