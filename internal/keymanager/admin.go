package keymanager

import (
	"fmt"
	"strings"
	"time"
)

// AddKey appends a fresh valid key. It fails when the pool is full or the
// secret is already present.
func (m *Manager) AddKey(secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrEmptyKey
	}
	return m.mutate(func(now time.Time) (bool, error) {
		if len(m.keys) >= m.maxPoolSize {
			return false, fmt.Errorf("%w: max %d", ErrPoolFull, m.maxPoolSize)
		}
		for _, k := range m.keys {
			if k.Secret == secret {
				return false, ErrDuplicateKey
			}
		}
		m.keys = append(m.keys, freshKey(secret))
		m.log().Info("keymanager: key added",
			"namespace", m.namespace, "index", len(m.keys)-1, "key", Mask(secret))
		return true, nil
	})
}

// RemoveKey deletes the key at index. The last key cannot be removed. When
// index is at or before the active index, the active index moves down by one
// (floored at 0).
func (m *Manager) RemoveKey(index int) error {
	return m.mutate(func(now time.Time) (bool, error) {
		if !inRange(index, len(m.keys)) {
			return false, ErrIndexOutOfRange
		}
		if len(m.keys) == 1 {
			return false, ErrLastKey
		}
		removed := m.keys[index]
		m.keys = append(m.keys[:index:index], m.keys[index+1:]...)
		if index <= m.active {
			m.active = max(0, m.active-1)
		}
		m.log().Info("keymanager: key removed",
			"namespace", m.namespace, "index", index, "key", Mask(removed.Secret), "active_index", m.active)
		return true, nil
	})
}

// UpdateKeys replaces the pool with secrets. Entries whose secret already
// exists keep their health; new secrets start valid. Whitespace-only and
// duplicate entries are dropped. The active index resets to 0 when it falls
// out of range, and elapsed cooldowns are cleared.
func (m *Manager) UpdateKeys(secrets []string) error {
	next := normalizeSecrets(secrets)
	if len(next) == 0 {
		return ErrEmptyKeyList
	}
	return m.mutate(func(now time.Time) (bool, error) {
		if len(next) > m.maxPoolSize {
			return false, fmt.Errorf("%w: %d keys, max %d", ErrPoolFull, len(next), m.maxPoolSize)
		}
		current := m.stateLocked()
		m.keys = reconcile(next, &current)
		if !inRange(m.active, len(m.keys)) {
			m.active = 0
		}
		released := m.releaseExpiredLocked(now)
		m.log().Info("keymanager: keys updated",
			"namespace", m.namespace, "keys", len(m.keys), "active_index", m.active, "released", released)
		return true, nil
	})
}
