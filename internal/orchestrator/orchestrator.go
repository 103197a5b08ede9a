// Package orchestrator submits chat queries through a streaming transport and
// fails over across a provider's key pool when the active key is rejected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/domain"
	"agentdesk/internal/keymanager"
	"agentdesk/internal/queue"
	"agentdesk/internal/retry"
	"agentdesk/internal/transport"
)

// ErrKeysExhausted is returned when no usable key remains or every attempt in
// the retry budget was rejected.
var ErrKeysExhausted = errors.New("orchestrator: all API keys exhausted")

// exhaustedMessage is the terminal error text when no transport error was
// captured.
const exhaustedMessage = "all API keys exhausted"

// KeyManager is the subset of *keymanager.Manager the orchestrator drives.
type KeyManager interface {
	Namespace() string
	Len() int
	GetActiveKey() (domain.APIKey, bool)
	SwitchToNextAvailableKey() (domain.APIKey, bool)
	MarkCurrentAsRateLimited(override *time.Time) error
	MarkCurrentAsInvalid() error
}

// KeySwitch is the data of the info event emitted after a failover.
type KeySwitch struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger. If l is nil it is ignored and the
// default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClassifier replaces the default heuristic classifier. Nil is ignored.
func WithClassifier(c retry.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithLaneQueue shares a lane queue between orchestrators. Nil is ignored.
func WithLaneQueue(q *queue.LaneQueue) Option {
	return func(o *Orchestrator) {
		if q != nil {
			o.lanes = q
		}
	}
}

// Orchestrator runs the bounded retry loop for one provider namespace.
// Submissions for the same namespace are serialized through a lane queue.
type Orchestrator struct {
	keys       KeyManager
	transport  transport.Transport
	sink       domain.EventSink
	classifier retry.Classifier
	lanes      *queue.LaneQueue
	ownLanes   bool
	logger     *slog.Logger
	nowFunc    func() time.Time
	newID      func() string

	streams sync.WaitGroup
}

// New returns an Orchestrator. keys, tr and sink must not be nil.
func New(keys KeyManager, tr transport.Transport, sink domain.EventSink, opts ...Option) *Orchestrator {
	if keys == nil || tr == nil || sink == nil {
		panic("orchestrator: key manager, transport and sink must not be nil")
	}
	o := &Orchestrator{
		keys:       keys,
		transport:  tr,
		sink:       sink,
		classifier: retry.NewHeuristicClassifier(),
		nowFunc:    time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.lanes == nil {
		o.lanes = queue.NewLaneQueue()
		o.ownLanes = true
	}
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

// Namespace returns the provider namespace this orchestrator serves.
func (o *Orchestrator) Namespace() string { return o.keys.Namespace() }

// SubmitQuery sends q and returns as soon as the transport accepts it; the
// stream is consumed in the background until it ends or ctx is done. A
// rejected attempt is classified, reported to the key manager and retried on
// the next available key, at most once per pool member. When every key is
// spent a single error event is emitted and an error wrapping
// ErrKeysExhausted is returned. ctx also bounds the background stream.
func (o *Orchestrator) SubmitQuery(ctx context.Context, q domain.Query) error {
	if q.CorrelationID == "" {
		q.CorrelationID = o.newID()
	}
	q.Provider = o.Namespace()
	return o.lanes.Do(ctx, q.Provider, func(ctx context.Context) error {
		return o.submit(ctx, q)
	})
}

func (o *Orchestrator) submit(ctx context.Context, q domain.Query) error {
	o.emit(q, domain.EventStart, nil)

	if err := o.prime(ctx); err != nil {
		switch {
		case retry.IsCanceled(err):
			return err
		case errors.Is(err, ErrKeysExhausted):
			return o.fail(q, nil, ErrKeysExhausted)
		}
		return o.fail(q, err, err)
	}

	req := transport.Request{SessionID: q.SessionID, Prompt: q.Content}
	maxRetries := max(1, o.keys.Len())
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		stream, err := o.transport.SendMessageStream(ctx, req)
		if err == nil {
			o.log().Debug("stream accepted", "provider", q.Provider, "correlation_id", q.CorrelationID, "attempt", attempt)
			o.streams.Add(1)
			go o.consume(ctx, q, stream)
			return nil
		}
		// Caller cancellation is not the key's fault.
		if retry.IsCanceled(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err

		from := keymanager.Mask(o.transport.Credentials().APIKey)
		verdict := o.classifier.Classify(err)
		o.log().Warn("transport rejected request",
			"provider", q.Provider,
			"correlation_id", q.CorrelationID,
			"attempt", attempt,
			"key", from,
			"class", verdict.Class.String(),
			"error", err,
		)
		if mErr := o.report(verdict); mErr != nil {
			o.log().Error("failed to record key failure", "provider", q.Provider, "error", mErr)
		}

		next, ok := o.keys.SwitchToNextAvailableKey()
		if !ok {
			break
		}
		if err := o.refresh(ctx, next.Secret); err != nil {
			if retry.IsCanceled(err) {
				return err
			}
			return o.fail(q, err, err)
		}
		o.emit(q, domain.EventInfo, KeySwitch{
			From:    from,
			To:      keymanager.Mask(next.Secret),
			Reason:  verdict.Class.String(),
			Attempt: attempt,
		})
	}
	return o.fail(q, lastErr, ErrKeysExhausted)
}

// prime points the transport at the manager's active key.
func (o *Orchestrator) prime(ctx context.Context) error {
	active, ok := o.keys.GetActiveKey()
	if !ok {
		return ErrKeysExhausted
	}
	if o.transport.Credentials().APIKey == active.Secret {
		return nil
	}
	return o.refresh(ctx, active.Secret)
}

func (o *Orchestrator) refresh(ctx context.Context, secret string) error {
	creds := o.transport.Credentials()
	creds.APIKey = secret
	if err := o.transport.Refresh(ctx, creds); err != nil {
		return fmt.Errorf("orchestrator: refresh transport: %w", err)
	}
	return nil
}

func (o *Orchestrator) report(v retry.Verdict) error {
	if v.Class == retry.ClassRateLimited {
		return o.keys.MarkCurrentAsRateLimited(v.ResetAt)
	}
	return o.keys.MarkCurrentAsInvalid()
}

// fail emits the terminal error event and returns an error wrapping sentinel.
// The event carries cause's message, or the generic exhausted text.
func (o *Orchestrator) fail(q domain.Query, cause, sentinel error) error {
	msg := exhaustedMessage
	if cause != nil {
		msg = cause.Error()
	}
	o.emit(q, domain.EventError, msg)
	if cause == nil || errors.Is(cause, sentinel) {
		return &reportedError{err: sentinel}
	}
	return &reportedError{err: fmt.Errorf("%w: %w", sentinel, cause)}
}

// reportedError marks a failure already published as a terminal error event.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// Reported reports whether err was already delivered to the event sink as the
// query's terminal error event. Callers use it to avoid answering twice.
func Reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

// consume forwards stream chunks as events until the stream ends or ctx is
// done. Nothing is emitted after cancellation and key state is never touched.
func (o *Orchestrator) consume(ctx context.Context, q domain.Query, stream <-chan transport.Chunk) {
	defer o.streams.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-stream:
			if !ok {
				if ctx.Err() == nil {
					o.emit(q, domain.EventFinish, nil)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			switch c.Type {
			case domain.EventToolGroup:
				o.emit(q, c.Type, c.ToolCalls)
			case domain.EventFinish:
				o.emit(q, c.Type, nil)
				return
			case domain.EventError:
				o.emit(q, c.Type, c.Text)
				return
			default:
				o.emit(q, c.Type, c.Text)
			}
		}
	}
}

func (o *Orchestrator) emit(q domain.Query, typ domain.EventType, data any) {
	o.sink.Publish(domain.Event{
		Type:          typ,
		Data:          data,
		CorrelationID: q.CorrelationID,
		Provider:      q.Provider,
		Timestamp:     o.nowFunc(),
	})
}

// Wait blocks until every background stream consumer has returned.
func (o *Orchestrator) Wait() {
	o.streams.Wait()
}

// Close waits for background streams and stops the lane queue when the
// orchestrator created it. A shared queue is left to its owner.
func (o *Orchestrator) Close() {
	o.streams.Wait()
	if o.ownLanes {
		o.lanes.Close()
	}
}
