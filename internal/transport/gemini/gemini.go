// Package gemini streams chat turns from the Google Gemini API through the
// official genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"agentdesk/internal/domain"
	"agentdesk/internal/transport"
)

// DefaultModel is used when the credentials name no model.
const DefaultModel = "gemini-2.5-flash"

// contentStreamer is the subset of *genai.Models used here.
type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// newStreamer builds the SDK client; tests replace it with a fake.
var newStreamer = func(ctx context.Context, creds transport.Credentials) (contentStreamer, error) {
	cfg := &genai.ClientConfig{
		APIKey:  creds.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if creds.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: creds.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// Transport implements transport.Transport for Gemini.
type Transport struct {
	mu       sync.Mutex
	creds    transport.Credentials
	models   contentStreamer
	history  *transport.History[*genai.Content]
	thoughts bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithThoughts asks the model to stream its reasoning as thought chunks.
func WithThoughts(on bool) Option {
	return func(t *Transport) { t.thoughts = on }
}

// New returns a Transport authenticated with creds.
func New(ctx context.Context, creds transport.Credentials, opts ...Option) (*Transport, error) {
	t := &Transport{history: transport.NewHistory[*genai.Content](0)}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.Refresh(ctx, creds); err != nil {
		return nil, err
	}
	return t, nil
}

// Credentials implements transport.Transport.
func (t *Transport) Credentials() transport.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// Refresh implements transport.Transport by building a new SDK client.
func (t *Transport) Refresh(ctx context.Context, creds transport.Credentials) error {
	if creds.Model == "" {
		creds.Model = DefaultModel
	}
	models, err := newStreamer(ctx, creds)
	if err != nil {
		return fmt.Errorf("gemini: client: %w", err)
	}
	t.mu.Lock()
	t.creds = creds
	t.models = models
	t.mu.Unlock()
	return nil
}

// SendMessageStream implements transport.Transport. The first response is
// pulled synchronously so that authentication and quota failures surface as
// the returned error.
func (t *Transport) SendMessageStream(ctx context.Context, req transport.Request) (<-chan transport.Chunk, error) {
	t.mu.Lock()
	models, model, thoughts := t.models, t.creds.Model, t.thoughts
	t.mu.Unlock()
	if models == nil {
		return nil, errors.New("gemini: transport not authenticated")
	}

	user := genai.NewContentFromText(req.Prompt, genai.RoleUser)
	contents := append(t.history.Get(req.SessionID), user)
	var cfg *genai.GenerateContentConfig
	if thoughts {
		cfg = &genai.GenerateContentConfig{ThinkingConfig: &genai.ThinkingConfig{IncludeThoughts: true}}
	}

	next, stop := iter.Pull2(models.GenerateContentStream(ctx, model, contents, cfg))
	first, err, ok := next()
	if err != nil {
		stop()
		return nil, convertError(err)
	}

	ch := make(chan transport.Chunk, 16)
	go func() {
		defer close(ch)
		defer stop()

		var reply strings.Builder
		resp := first
		for ok {
			for _, c := range chunksOf(resp) {
				if c.Type == domain.EventContent {
					reply.WriteString(c.Text)
				}
				if !transport.Send(ctx, ch, c) {
					return
				}
			}
			resp, err, ok = next()
			if err != nil {
				transport.Send(ctx, ch, transport.Chunk{Type: domain.EventError, Text: err.Error(), Err: convertError(err)})
				return
			}
		}
		t.history.Append(req.SessionID, user, genai.NewContentFromText(reply.String(), genai.RoleModel))
		transport.Send(ctx, ch, transport.Chunk{Type: domain.EventFinish})
	}()
	return ch, nil
}

// chunksOf flattens a streamed response into chunks: thought parts, text
// parts, and one tool group for all function calls.
func chunksOf(resp *genai.GenerateContentResponse) []transport.Chunk {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var (
		out   []transport.Chunk
		calls []domain.ToolCall
	)
	for _, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p == nil:
		case p.FunctionCall != nil:
			calls = append(calls, domain.ToolCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args})
		case p.Thought && p.Text != "":
			out = append(out, transport.Chunk{Type: domain.EventThought, Text: p.Text})
		case p.Text != "":
			out = append(out, transport.Chunk{Type: domain.EventContent, Text: p.Text})
		}
	}
	if len(calls) > 0 {
		out = append(out, transport.Chunk{Type: domain.EventToolGroup, ToolCalls: calls})
	}
	return out
}

// convertError maps SDK API errors to transport.StatusError, carrying the
// RetryInfo delay when the API sent one.
func convertError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gemini: %w", err)
	}
	msg := apiErr.Message
	if apiErr.Status != "" {
		msg = apiErr.Status + ": " + msg
	}
	code := apiErr.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return &transport.StatusError{
		Provider:   "gemini",
		StatusCode: code,
		Message:    msg,
		RetryAfter: retryDelay(apiErr.Details),
	}
}

// retryDelay extracts google.rpc.RetryInfo.retryDelay (e.g. "31s").
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			continue
		}
		s, _ := d["retryDelay"].(string)
		if dur, err := time.ParseDuration(s); err == nil && dur > 0 {
			return dur
		}
	}
	return 0
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)
