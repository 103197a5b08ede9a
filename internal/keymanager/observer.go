package keymanager

import (
	"agentdesk/internal/domain"
)

// Subscribe registers fn to receive a snapshot of the pool after every
// mutation, in mutation order. Observers run outside the state lock but must
// not call mutating Manager methods synchronously. The returned func removes
// the subscription and is safe to call more than once.
func (m *Manager) Subscribe(fn func(domain.KeyPoolState)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m.obsMu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// deliver calls every observer with its own copy of snap. A panicking
// observer is logged and does not stop delivery to the rest.
func (m *Manager) deliver(snap domain.KeyPoolState) {
	m.obsMu.Lock()
	obs := make([]observer, len(m.observers))
	copy(obs, m.observers)
	m.obsMu.Unlock()

	for _, o := range obs {
		s := snap
		s.Keys = domain.CloneKeys(snap.Keys)
		m.callObserver(o, s)
	}
}

func (m *Manager) callObserver(o observer, s domain.KeyPoolState) {
	defer func() {
		if r := recover(); r != nil {
			m.log().Error("keymanager: observer panicked", "namespace", m.namespace, "panic", r)
		}
	}()
	o.fn(s)
}
