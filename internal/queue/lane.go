// Package queue serializes work per provider namespace so a key pool sees one
// retry loop at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyLaneID is returned when Do is called with an empty lane ID.
	ErrEmptyLaneID = errors.New("queue: lane ID must not be empty")
	// ErrClosed is returned by Do after Close.
	ErrClosed = errors.New("queue: closed")
)

// workItem is a unit of work submitted to a lane.
type workItem struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// lane processes work items sequentially via a single goroutine.
type lane struct {
	work chan workItem
}

// run is the lane's worker loop. Items run in FIFO order; items whose context
// is already done are answered with the context error without running.
func (l *lane) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for item := range l.work {
		if err := item.ctx.Err(); err != nil {
			item.done <- err
			continue
		}
		item.done <- safeExec(item.ctx, item.fn)
	}
}

// safeExec runs fn and converts a panic into an error.
func safeExec(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// defaultLaneBufferSize is the capacity of each lane's work channel.
// Tests in this package may override it to exercise full-buffer paths.
var defaultLaneBufferSize = 256

// LaneQueue serializes work per lane. Different lanes run concurrently; work
// within one lane runs in FIFO order on a single worker goroutine.
type LaneQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewLaneQueue creates a new LaneQueue ready for use.
func NewLaneQueue() *LaneQueue {
	return &LaneQueue{
		lanes: make(map[string]*lane),
	}
}

// Do runs fn serially within laneID and blocks until it returns or ctx is
// done. fn receives ctx. Returns the error from fn, or ctx.Err() when ctx
// ends first (fn may still run later if it was already queued).
func (q *LaneQueue) Do(ctx context.Context, laneID string, fn func(ctx context.Context) error) error {
	if laneID == "" {
		return ErrEmptyLaneID
	}

	item := workItem{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}
	if err := q.submit(ctx, laneID, item); err != nil {
		return err
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit sends item to its lane. The read lock is held across the send so
// Close cannot close a channel mid-send; workers drain without the lock.
func (q *LaneQueue) submit(ctx context.Context, laneID string, item workItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	l, ok := q.lanes[laneID]
	if !ok {
		q.mu.RUnlock()
		l = q.createLane(laneID)
		q.mu.RLock()
		if l == nil || q.closed {
			return ErrClosed
		}
	}

	select {
	case l.work <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// createLane returns the lane for laneID, starting its worker on first use.
// Returns nil once the queue is closed.
func (q *LaneQueue) createLane(laneID string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if l, ok := q.lanes[laneID]; ok {
		return l
	}
	l := &lane{
		work: make(chan workItem, defaultLaneBufferSize),
	}
	q.lanes[laneID] = l
	q.wg.Add(1)
	go l.run(&q.wg)
	return l
}

// Depth returns the number of items waiting in laneID, excluding the one
// currently running.
func (q *LaneQueue) Depth(laneID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if l, ok := q.lanes[laneID]; ok {
		return len(l.work)
	}
	return 0
}

// LaneCount returns the number of lanes created so far.
func (q *LaneQueue) LaneCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

// Close stops accepting work, lets queued items finish, and waits for every
// lane worker to exit. Calling Close more than once is safe.
func (q *LaneQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, l := range q.lanes {
			close(l.work)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}
