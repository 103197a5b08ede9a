package keymanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"agentdesk/internal/domain"
)

// =============================================================================
// GetActiveKey
// =============================================================================

func TestGetActiveKey_WhenActiveValid_ShouldReturnItAndStampLastUsed(t *testing.T) {
	m, _, clk := newTestManager(testKeys(2))

	k, ok := m.GetActiveKey()

	if !ok || k.Secret != testKeys(2)[0] {
		t.Fatalf("want key 0, got %+v ok=%v", k, ok)
	}
	if k.LastUsed == nil || !k.LastUsed.Equal(clk.Now()) {
		t.Errorf("want lastUsed %v, got %v", clk.Now(), k.LastUsed)
	}
}

func TestGetActiveKey_WhenPoolEmpty_ShouldReturnFalse(t *testing.T) {
	m, _, _ := newTestManager(nil)
	if _, ok := m.GetActiveKey(); ok {
		t.Error("expected no key from empty pool")
	}
}

func TestGetActiveKey_WhenActiveInvalid_ShouldRotate(t *testing.T) {
	m, _, _ := newTestManager(testKeys(3))
	_ = m.MarkCurrentAsInvalid()

	k, ok := m.GetActiveKey()

	if !ok || k.Secret != testKeys(3)[1] {
		t.Fatalf("want rotation to key 1, got %+v ok=%v", k, ok)
	}
	if m.ActiveIndex() != 1 {
		t.Errorf("want active 1, got %d", m.ActiveIndex())
	}
}

func TestGetActiveKey_WhenAllInvalid_ShouldReturnFalse(t *testing.T) {
	m, _, _ := newTestManager(testKeys(1))
	_ = m.MarkCurrentAsInvalid()
	if _, ok := m.GetActiveKey(); ok {
		t.Error("expected exhaustion")
	}
}

// =============================================================================
// SwitchToNextAvailableKey
// =============================================================================

func TestRotation_AfterRateLimit_ShouldSelectDifferentValidKey(t *testing.T) {
	for size := 2; size <= DefaultMaxPoolSize; size++ {
		for start := 0; start < size; start++ {
			// Given a pool of valid keys with an arbitrary active index
			m, _, _ := newTestManager(testKeys(size))
			if err := m.SwitchToKey(start); err != nil {
				t.Fatalf("switch: %v", err)
			}

			// When the active key is rate limited and rotation runs
			_ = m.MarkCurrentAsRateLimited(nil)
			k, ok := m.SwitchToNextAvailableKey()

			// Then a different, valid key is active
			if !ok {
				t.Fatalf("size=%d start=%d: expected a key", size, start)
			}
			if m.ActiveIndex() == start {
				t.Errorf("size=%d start=%d: active index did not change", size, start)
			}
			if k.Status != domain.KeyValid {
				t.Errorf("size=%d start=%d: want valid, got %s", size, start, k.Status)
			}
			if want := (start + 1) % size; m.ActiveIndex() != want {
				t.Errorf("size=%d start=%d: want ring successor %d, got %d", size, start, want, m.ActiveIndex())
			}
		}
	}
}

func TestRotation_ShouldNeverSelectInvalidKey(t *testing.T) {
	// Given keys 1 and 2 invalid and key 0 rate limited with a future reset
	m, _, _ := newTestManager(testKeys(3))
	_ = m.SwitchToKey(1)
	_ = m.MarkCurrentAsInvalid()
	_ = m.SwitchToKey(2)
	_ = m.MarkCurrentAsInvalid()
	_ = m.SwitchToKey(0)
	_ = m.MarkCurrentAsRateLimited(nil)

	// When rotating
	_, ok := m.SwitchToNextAvailableKey()

	// Then nothing qualifies
	if ok {
		t.Fatal("rotation must not select invalid or cooling keys")
	}
	if m.ActiveIndex() != 0 {
		t.Errorf("active must not move on exhaustion, got %d", m.ActiveIndex())
	}
}

func TestRotation_ShouldSkipInvalidAndPickNextValid(t *testing.T) {
	m, _, _ := newTestManager(testKeys(4))
	_ = m.SwitchToKey(1)
	_ = m.MarkCurrentAsInvalid()
	_ = m.SwitchToKey(0)

	k, ok := m.SwitchToNextAvailableKey()

	if !ok || m.ActiveIndex() != 2 || k.Secret != testKeys(4)[2] {
		t.Errorf("want key 2, got index %d ok=%v", m.ActiveIndex(), ok)
	}
}

func TestRotation_WhenRateLimitedKeyExpired_ShouldResurrectAndSelect(t *testing.T) {
	// Given keyA active and keyB rate limited with a reset time in the past
	m, _, clk := newTestManager(testKeys(2))
	_ = m.SwitchToKey(1)
	_ = m.MarkCurrentAsRateLimited(nil)
	_ = m.MarkCurrentAsRateLimited(nil)
	_ = m.SwitchToKey(0)
	_ = m.MarkCurrentAsInvalid()
	clk.Advance(3 * time.Minute)

	// When rotation runs
	k, ok := m.SwitchToNextAvailableKey()

	// Then keyB is valid again with a cleared error count and is active
	if !ok || m.ActiveIndex() != 1 {
		t.Fatalf("want keyB selected, got index %d ok=%v", m.ActiveIndex(), ok)
	}
	if k.Status != domain.KeyValid || k.ErrorCount != 0 || k.ResetTime != nil {
		t.Errorf("want resurrected keyB, got %+v", k)
	}
}

func TestRotation_WhenOnlyCurrentKeyQualifies_ShouldReselectIt(t *testing.T) {
	m, _, _ := newTestManager(testKeys(2))
	_ = m.SwitchToKey(1)
	_ = m.MarkCurrentAsInvalid()
	_ = m.SwitchToKey(0)

	k, ok := m.SwitchToNextAvailableKey()

	if !ok || m.ActiveIndex() != 0 || k.Secret != testKeys(2)[0] {
		t.Errorf("want key 0 reselected, got index %d ok=%v", m.ActiveIndex(), ok)
	}
}

// =============================================================================
// MarkCurrentAsRateLimited / MarkCurrentAsInvalid
// =============================================================================

func TestMarkCurrentAsRateLimited_ResetTimeShouldEscalateAndCap(t *testing.T) {
	// Given a single key and a fixed clock
	m, _, clk := newTestManager(testKeys(1))

	for k := 1; k <= 10; k++ {
		// When the k-th consecutive rate limit is recorded
		if err := m.MarkCurrentAsRateLimited(nil); err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}

		// Then resetTime = now + 60s * min(k, 5)
		got := m.AllKeys()[0]
		want := clk.Now().Add(time.Duration(min(k, 5)) * time.Minute)
		if got.ErrorCount != k {
			t.Errorf("k=%d: want errorCount %d, got %d", k, k, got.ErrorCount)
		}
		if got.ResetTime == nil || !got.ResetTime.Equal(want) {
			t.Errorf("k=%d: want resetTime %v, got %v", k, want, got.ResetTime)
		}
	}
}

func TestMarkCurrentAsRateLimited_WhenOverrideGiven_ShouldUseIt(t *testing.T) {
	m, _, clk := newTestManager(testKeys(1))
	override := clk.Now().Add(17 * time.Second)

	_ = m.MarkCurrentAsRateLimited(&override)

	if got := m.AllKeys()[0].ResetTime; got == nil || !got.Equal(override) {
		t.Errorf("want %v, got %v", override, got)
	}
}

func TestMarkCurrentAsRateLimited_WhenPoolEmpty_ShouldReturnErrEmptyPool(t *testing.T) {
	m, _, _ := newTestManager(nil)
	if err := m.MarkCurrentAsRateLimited(nil); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("want ErrEmptyPool, got %v", err)
	}
	if err := m.MarkCurrentAsInvalid(); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("want ErrEmptyPool, got %v", err)
	}
}

func TestMarkCurrentAsInvalid_ShouldNeverAutoResurrect(t *testing.T) {
	m, _, clk := newTestManager(testKeys(1))
	_ = m.MarkCurrentAsInvalid()
	clk.Advance(24 * time.Hour)

	if n := m.ReleaseExpired(); n != 0 {
		t.Errorf("invalid key must not be released, released %d", n)
	}
	if k := m.AllKeys()[0]; k.Status != domain.KeyInvalid || k.ErrorCount != 1 {
		t.Errorf("want invalid/1, got %+v", k)
	}
}

// =============================================================================
// SwitchToKey
// =============================================================================

func TestSwitchToKey_Failures(t *testing.T) {
	m, _, _ := newTestManager(testKeys(3))
	_ = m.SwitchToKey(1)
	_ = m.MarkCurrentAsInvalid()
	_ = m.SwitchToKey(2)
	_ = m.MarkCurrentAsRateLimited(nil)
	_ = m.SwitchToKey(0)

	if err := m.SwitchToKey(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("index 3: want ErrIndexOutOfRange, got %v", err)
	}
	if err := m.SwitchToKey(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("index -1: want ErrIndexOutOfRange, got %v", err)
	}
	if err := m.SwitchToKey(1); !errors.Is(err, ErrKeyInvalid) {
		t.Errorf("invalid key: want ErrKeyInvalid, got %v", err)
	}
	if err := m.SwitchToKey(2); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("cooling key: want ErrKeyUnavailable, got %v", err)
	}
	if m.ActiveIndex() != 0 {
		t.Errorf("failed switches must not move the active index, got %d", m.ActiveIndex())
	}
}

func TestSwitchToKey_WhenCooldownElapsed_ShouldResurrectAndSwitch(t *testing.T) {
	m, _, clk := newTestManager(testKeys(2))
	_ = m.SwitchToKey(1)
	_ = m.MarkCurrentAsRateLimited(nil)
	_ = m.SwitchToKey(0)
	clk.Advance(61 * time.Second)

	if err := m.SwitchToKey(1); err != nil {
		t.Fatalf("switch: %v", err)
	}
	k := m.AllKeys()[1]
	if k.Status != domain.KeyValid || k.ErrorCount != 0 || k.LastUsed == nil {
		t.Errorf("want resurrected and stamped key, got %+v", k)
	}
}

// =============================================================================
// ReleaseExpired
// =============================================================================

func TestReleaseExpired_WhenNothingExpired_ShouldNotPersist(t *testing.T) {
	m, st, _ := newTestManager(testKeys(2))
	_ = m.MarkCurrentAsRateLimited(nil)
	sets := st.setCount()

	if n := m.ReleaseExpired(); n != 0 {
		t.Errorf("want 0 released, got %d", n)
	}
	if st.setCount() != sets {
		t.Error("no-op release must not persist")
	}
}

func TestReleaseExpired_WhenCooldownElapsed_ShouldReleaseAndPersist(t *testing.T) {
	m, st, clk := newTestManager(testKeys(2))
	_ = m.MarkCurrentAsRateLimited(nil)
	sets := st.setCount()
	clk.Advance(2 * time.Minute)

	if n := m.ReleaseExpired(); n != 1 {
		t.Errorf("want 1 released, got %d", n)
	}
	if st.setCount() != sets+1 {
		t.Error("release must persist")
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestManager_ConcurrentMutations_ShouldKeepInvariants(t *testing.T) {
	m, _, _ := newTestManager(testKeys(5))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 5 {
				case 0:
					_ = m.MarkCurrentAsRateLimited(nil)
				case 1:
					m.SwitchToNextAvailableKey()
				case 2:
					m.GetActiveKey()
				case 3:
					_ = m.KeyStatuses()
				case 4:
					m.ReleaseExpired()
				}
			}
		}(i)
	}
	wg.Wait()

	if idx := m.ActiveIndex(); idx < 0 || idx >= m.Len() {
		t.Errorf("active index %d out of range for %d keys", idx, m.Len())
	}
}
