// Package transport defines the streaming chat transport the orchestrator
// drives, and the credential object used to configure it.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agentdesk/internal/domain"
)

// Credentials configure a transport. They are passed explicitly to the
// constructor and to Refresh; transports never read credentials from the
// process environment.
type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Request is one chat turn.
type Request struct {
	SessionID string
	Prompt    string
}

// Chunk is one item of a response stream. Type is one of EventContent,
// EventThought, EventToolGroup, EventError or EventFinish; the stream ends
// after EventFinish or EventError.
type Chunk struct {
	Type      domain.EventType
	Text      string
	ToolCalls []domain.ToolCall
	Err       error
}

// Transport is a streaming chat client bound to one credential at a time.
type Transport interface {
	// Credentials returns the credential currently in use.
	Credentials() Credentials

	// Refresh re-authenticates with creds. Conversation state is kept.
	Refresh(ctx context.Context, creds Credentials) error

	// SendMessageStream starts a turn. A non-nil error means the request was
	// rejected before streaming began. On success the channel is closed after
	// the final chunk or when ctx ends.
	SendMessageStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// StatusError is a rejection carrying an HTTP-like status code.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration // zero when the server gave no hint
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// RetryAfterHint returns the server-provided cooldown, if any.
func (e *StatusError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// ParseRetryAfter parses a Retry-After header value (delay-seconds or an
// HTTP date) relative to now. Unparseable or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Send delivers c on ch unless ctx ends first. It reports whether c was sent.
func Send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
