// Package openai streams chat turns from any OpenAI-compatible Chat
// Completions endpoint (OpenAI, OpenRouter, local gateways) over SSE.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/transport"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// maxErrorBody caps how much of a rejection body is read into the error.
const maxErrorBody = 4 << 10

// Transport implements transport.Transport for Chat Completions streaming.
type Transport struct {
	mu          sync.Mutex
	creds       transport.Credentials
	client      *http.Client
	history     *transport.History[message]
	marshalFunc func(v any) ([]byte, error) // for testing
	nowFunc     func() time.Time
}

// New returns a Transport authenticated with creds. A nil client uses a
// client without an overall timeout; streams are bounded by ctx.
func New(creds transport.Credentials, client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	t := &Transport{
		client:      client,
		history:     transport.NewHistory[message](0),
		marshalFunc: json.Marshal,
		nowFunc:     time.Now,
	}
	t.setCreds(creds)
	return t
}

func (t *Transport) setCreds(creds transport.Credentials) {
	if creds.BaseURL == "" {
		creds.BaseURL = DefaultBaseURL
	}
	if creds.Model == "" {
		creds.Model = DefaultModel
	}
	creds.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	t.mu.Lock()
	t.creds = creds
	t.mu.Unlock()
}

// Credentials implements transport.Transport.
func (t *Transport) Credentials() transport.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// Refresh implements transport.Transport. The bearer token is read per
// request, so swapping credentials is enough.
func (t *Transport) Refresh(ctx context.Context, creds transport.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.setCreds(creds)
	return nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// SendMessageStream implements transport.Transport. The HTTP status is
// checked before returning, so 401 and 429 responses are synchronous errors.
func (t *Transport) SendMessageStream(ctx context.Context, req transport.Request) (<-chan transport.Chunk, error) {
	creds := t.Credentials()
	user := message{Role: "user", Content: req.Prompt}
	body := chatRequest{
		Model:    creds.Model,
		Messages: append(t.history.Get(req.SessionID), user),
		Stream:   true,
	}
	raw, err := t.marshalFunc(body)
	if err != nil {
		return nil, fmt.Errorf("openai marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai do: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, t.statusError(resp)
	}

	ch := make(chan transport.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reply, err := t.consume(ctx, resp.Body, ch)
		if err != nil {
			if ctx.Err() == nil {
				transport.Send(ctx, ch, transport.Chunk{Type: domain.EventError, Text: err.Error(), Err: err})
			}
			return
		}
		t.history.Append(req.SessionID, user, message{Role: "assistant", Content: reply})
		transport.Send(ctx, ch, transport.Chunk{Type: domain.EventFinish})
	}()
	return ch, nil
}

// consume reads SSE events until [DONE] or EOF and forwards chunks. It
// returns the concatenated assistant text.
func (t *Transport) consume(ctx context.Context, body io.Reader, ch chan<- transport.Chunk) (string, error) {
	var (
		reply strings.Builder
		calls = map[int]*pendingCall{}
		order []int
	)
	flushCalls := func() bool {
		if len(order) == 0 {
			return true
		}
		group := make([]domain.ToolCall, 0, len(order))
		for _, idx := range order {
			group = append(group, calls[idx].toolCall())
		}
		calls, order = map[int]*pendingCall{}, nil
		return transport.Send(ctx, ch, transport.Chunk{Type: domain.EventToolGroup, ToolCalls: group})
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("openai decode: %w", err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("openai stream: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			d := choice.Delta
			if thought := d.ReasoningContent + d.Reasoning; thought != "" {
				if !transport.Send(ctx, ch, transport.Chunk{Type: domain.EventThought, Text: thought}) {
					return "", ctx.Err()
				}
			}
			if d.Content != "" {
				reply.WriteString(d.Content)
				if !transport.Send(ctx, ch, transport.Chunk{Type: domain.EventContent, Text: d.Content}) {
					return "", ctx.Err()
				}
			}
			for _, tc := range d.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				pc.name += tc.Function.Name
				pc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" && !flushCalls() {
				return "", ctx.Err()
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("openai read: %w", err)
	}
	if !flushCalls() {
		return "", ctx.Err()
	}
	return reply.String(), nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *pendingCall) toolCall() domain.ToolCall {
	tc := domain.ToolCall{ID: p.id, Name: p.name}
	if raw := p.args.String(); raw != "" {
		var args map[string]any
		if json.Unmarshal([]byte(raw), &args) == nil {
			tc.Args = args
		} else {
			tc.Args = map[string]any{"raw": raw}
		}
	}
	return tc
}

// statusError builds a StatusError from a non-200 response, preferring the
// JSON error message over the status text.
func (t *Transport) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := resp.Status
	var wrapped struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		msg = wrapped.Error.Message
	} else if s := strings.TrimSpace(string(data)); s != "" {
		msg = s
	}
	return &transport.StatusError{
		Provider:   "openai",
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: transport.ParseRetryAfter(resp.Header.Get("Retry-After"), t.nowFunc()),
	}
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)
