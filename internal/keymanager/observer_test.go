package keymanager

import (
	"sync"
	"testing"

	"agentdesk/internal/domain"
)

func TestSubscribe_ShouldNotifyAllObserversInOrderAfterEveryMutation(t *testing.T) {
	// Given two subscribers
	m, _, _ := newTestManager(testKeys(3))
	var mu sync.Mutex
	var calls []string
	m.Subscribe(func(domain.KeyPoolState) { mu.Lock(); calls = append(calls, "a"); mu.Unlock() })
	m.Subscribe(func(domain.KeyPoolState) { mu.Lock(); calls = append(calls, "b"); mu.Unlock() })

	// When two mutations run
	_ = m.MarkCurrentAsRateLimited(nil)
	m.SwitchToNextAvailableKey()

	// Then each mutation reached both observers in registration order
	want := []string{"a", "b", "a", "b"}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != len(want) {
		t.Fatalf("want %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("want %v, got %v", want, calls)
		}
	}
}

func TestSubscribe_SnapshotShouldReflectMutation(t *testing.T) {
	m, _, _ := newTestManager(testKeys(2))
	var got domain.KeyPoolState
	m.Subscribe(func(s domain.KeyPoolState) { got = s })

	m.SwitchToNextAvailableKey()

	if got.Namespace != "gemini" || got.ActiveIndex != 1 || len(got.Keys) != 2 {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestSubscribe_Unsubscribe_ShouldStopDelivery(t *testing.T) {
	m, _, _ := newTestManager(testKeys(2))
	count := 0
	unsub := m.Subscribe(func(domain.KeyPoolState) { count++ })

	_ = m.MarkCurrentAsInvalid()
	unsub()
	unsub()
	m.SwitchToNextAvailableKey()

	if count != 1 {
		t.Errorf("want 1 delivery, got %d", count)
	}
}

func TestSubscribe_ObserverMutatingSnapshot_ShouldNotAffectOthers(t *testing.T) {
	m, _, _ := newTestManager(testKeys(2))
	m.Subscribe(func(s domain.KeyPoolState) { s.Keys[0].Status = domain.KeyInvalid })
	var seen domain.KeyStatus
	m.Subscribe(func(s domain.KeyPoolState) { seen = s.Keys[0].Status })

	m.SwitchToNextAvailableKey()

	if seen != domain.KeyValid {
		t.Errorf("second observer saw mutated snapshot: %s", seen)
	}
	if m.AllKeys()[0].Status != domain.KeyValid {
		t.Error("manager state mutated through observer snapshot")
	}
}

func TestSubscribe_WhenObserverPanics_ShouldStillDeliverToOthers(t *testing.T) {
	m, _, _ := newTestManager(testKeys(2))
	m.Subscribe(func(domain.KeyPoolState) { panic("boom") })
	delivered := false
	m.Subscribe(func(domain.KeyPoolState) { delivered = true })

	m.SwitchToNextAvailableKey()

	if !delivered {
		t.Error("panicking observer blocked delivery")
	}
}

func TestSubscribe_WhenReadOnlyOperation_ShouldNotNotify(t *testing.T) {
	m, _, _ := newTestManager(testKeys(2))
	count := 0
	m.Subscribe(func(domain.KeyPoolState) { count++ })

	m.GetActiveKey()
	_ = m.KeyStatuses()
	_ = m.AddKey(testKeys(2)[0]) // rejected duplicate

	if count != 0 {
		t.Errorf("want no notifications, got %d", count)
	}
}

func TestSubscribe_WhenNil_ShouldReturnNoopUnsubscribe(t *testing.T) {
	m, _, _ := newTestManager(testKeys(1))
	unsub := m.Subscribe(nil)
	unsub()
	_ = m.MarkCurrentAsInvalid()
}
