// Package local is a model-agnostic echo transport for running the gateway
// and CLI without a real provider.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agentdesk/internal/domain"
	"agentdesk/internal/transport"
)

// Transport echoes each prompt back word by word. Any API key is accepted
// unless a rejecter says otherwise.
type Transport struct {
	mu     sync.Mutex
	creds  transport.Credentials
	prefix string
	reject func(apiKey string) error
}

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix prepends prefix to every reply.
func WithPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithRejecter makes SendMessageStream fail synchronously whenever reject
// returns an error for the active key.
func WithRejecter(reject func(apiKey string) error) Option {
	return func(t *Transport) { t.reject = reject }
}

// New returns a local transport holding creds.
func New(creds transport.Credentials, opts ...Option) *Transport {
	t := &Transport{creds: creds}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Credentials implements transport.Transport.
func (t *Transport) Credentials() transport.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// Refresh implements transport.Transport.
func (t *Transport) Refresh(ctx context.Context, creds transport.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.creds = creds
	t.mu.Unlock()
	return nil
}

// SendMessageStream implements transport.Transport.
func (t *Transport) SendMessageStream(ctx context.Context, req transport.Request) (<-chan transport.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.reject != nil {
		if err := t.reject(t.Credentials().APIKey); err != nil {
			return nil, err
		}
	}
	words := strings.Fields(fmt.Sprintf("%s%s", t.prefix, req.Prompt))
	ch := make(chan transport.Chunk, len(words)+1)
	go func() {
		defer close(ch)
		for i, w := range words {
			if i < len(words)-1 {
				w += " "
			}
			if !transport.Send(ctx, ch, transport.Chunk{Type: domain.EventContent, Text: w}) {
				return
			}
		}
		transport.Send(ctx, ch, transport.Chunk{Type: domain.EventFinish})
	}()
	return ch, nil
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)
