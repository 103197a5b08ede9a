package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// NewLaneQueue tests
// =============================================================================

func TestNewLaneQueue_ShouldStartWithZeroLanes(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()
	if q.LaneCount() != 0 {
		t.Errorf("expected 0 lanes, got %d", q.LaneCount())
	}
}

// =============================================================================
// Do: basic execution tests
// =============================================================================

func TestDo_WhenWorkProvided_ShouldExecuteItWithCallerContext(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "gemini")

	var got any
	err := q.Do(ctx, "gemini", func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	})

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "gemini" {
		t.Errorf("expected caller context to reach work, got %v", got)
	}
}

func TestDo_WhenWorkReturnsError_ShouldPropagateError(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()
	expected := errors.New("keys exhausted")
	err := q.Do(context.Background(), "gemini", func(context.Context) error {
		return expected
	})
	if !errors.Is(err, expected) {
		t.Errorf("want %v, got %v", expected, err)
	}
}

func TestDo_WhenEmptyLaneID_ShouldReturnErrorWithoutExecuting(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()
	executed := false
	err := q.Do(context.Background(), "", func(context.Context) error {
		executed = true
		return nil
	})
	if !errors.Is(err, ErrEmptyLaneID) {
		t.Errorf("want ErrEmptyLaneID, got %v", err)
	}
	if executed {
		t.Error("work must not run for an empty lane ID")
	}
}

// =============================================================================
// Do: serialization within same lane
// =============================================================================

func TestDo_WhenSameLane_ShouldSerializeExecution(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()

	var concurrent, maxConcurrent int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "gemini", func(context.Context) error {
				cur := atomic.AddInt64(&concurrent, 1)
				defer atomic.AddInt64(&concurrent, -1)
				for {
					old := atomic.LoadInt64(&maxConcurrent)
					if cur <= old || atomic.CompareAndSwapInt64(&maxConcurrent, old, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&maxConcurrent) > 1 {
		t.Errorf("max concurrent was %d, expected 1 (serial execution)", maxConcurrent)
	}
}

func TestDo_WhenSameLane_ShouldPreserveFIFOOrder(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()

	// Block the worker so submissions queue up in order.
	gate := make(chan struct{})
	blocked := make(chan struct{})
	go q.Do(context.Background(), "gemini", func(context.Context) error {
		close(blocked)
		<-gate
		return nil
	})
	<-blocked

	const n = 10
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(context.Background(), "gemini", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Wait until item i is queued before submitting i+1.
		for q.Depth("gemini") != i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	close(gate)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestDo_WhenDifferentLanes_ShouldAllowConcurrentExecution(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()

	bothRunning := make(chan struct{})
	var running int32
	var wg sync.WaitGroup
	for _, lane := range []string{"gemini", "openai"} {
		wg.Add(1)
		go func(lane string) {
			defer wg.Done()
			_ = q.Do(context.Background(), lane, func(context.Context) error {
				if atomic.AddInt32(&running, 1) == 2 {
					close(bothRunning)
				}
				select {
				case <-bothRunning:
				case <-time.After(2 * time.Second):
				}
				return nil
			})
		}(lane)
	}
	wg.Wait()

	select {
	case <-bothRunning:
	default:
		t.Error("different lanes did not run concurrently")
	}
	if q.LaneCount() != 2 {
		t.Errorf("want 2 lanes, got %d", q.LaneCount())
	}
}

// =============================================================================
// Do: cancellation
// =============================================================================

func TestDo_WhenContextCancelledWhileWaiting_ShouldReturnContextError(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	go q.Do(context.Background(), "gemini", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := int32(0)
	err := q.Do(ctx, "gemini", func(context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	close(gate)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
}

func TestDo_WhenChannelFullAndContextCancelled_ShouldReturnContextError(t *testing.T) {
	old := defaultLaneBufferSize
	defaultLaneBufferSize = 1
	defer func() { defaultLaneBufferSize = old }()

	q := NewLaneQueue()
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	go q.Do(context.Background(), "gemini", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started
	go q.Do(context.Background(), "gemini", func(context.Context) error { return nil })
	for q.Depth("gemini") != 1 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, "gemini", func(context.Context) error {
		t.Error("work should not execute when context is cancelled and channel is full")
		return nil
	})
	close(gate)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestDo_WhenWorkPanics_ShouldRecoverAndKeepLaneUsable(t *testing.T) {
	q := NewLaneQueue()
	defer q.Close()

	if err := q.Do(context.Background(), "gemini", func(context.Context) error { panic("boom") }); err == nil {
		t.Fatal("expected error when work panics")
	}
	if err := q.Do(context.Background(), "gemini", func(context.Context) error { return nil }); err != nil {
		t.Errorf("lane should be usable after panic, got: %v", err)
	}
}

// =============================================================================
// Close
// =============================================================================

func TestClose_ShouldRejectNewWorkAndBeIdempotent(t *testing.T) {
	q := NewLaneQueue()
	_ = q.Do(context.Background(), "gemini", func(context.Context) error { return nil })

	q.Close()
	q.Close()

	err := q.Do(context.Background(), "gemini", func(context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
	if err := q.Do(context.Background(), "new-lane", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed for new lane, got %v", err)
	}
}

func TestClose_ShouldLetQueuedWorkFinish(t *testing.T) {
	q := NewLaneQueue()
	gate := make(chan struct{})
	started := make(chan struct{})
	var finished int32
	go q.Do(context.Background(), "gemini", func(context.Context) error {
		close(started)
		<-gate
		atomic.StoreInt32(&finished, 1)
		return nil
	})
	<-started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	q.Close()

	if atomic.LoadInt32(&finished) != 1 {
		t.Error("Close returned before running work finished")
	}
}
