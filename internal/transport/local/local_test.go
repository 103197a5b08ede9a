package local

import (
	"context"
	"errors"
	"strings"
	"testing"

	"agentdesk/internal/domain"
	"agentdesk/internal/transport"
)

func drain(ch <-chan transport.Chunk) []transport.Chunk {
	var out []transport.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestSendMessageStream_ShouldEchoWordsThenFinish(t *testing.T) {
	// Given a local transport with a prefix
	tr := New(transport.Credentials{APIKey: "anything"}, WithPrefix("echo: "))

	// When sending a prompt
	ch, err := tr.SendMessageStream(context.Background(), transport.Request{Prompt: "hello there"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	chunks := drain(ch)

	// Then content chunks rebuild the reply and the stream finishes
	var sb strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if c.Type != domain.EventContent {
			t.Fatalf("unexpected chunk %+v", c)
		}
		sb.WriteString(c.Text)
	}
	if got := sb.String(); got != "echo: hello there" {
		t.Errorf("want %q, got %q", "echo: hello there", got)
	}
	if chunks[len(chunks)-1].Type != domain.EventFinish {
		t.Errorf("last chunk must be finish, got %+v", chunks[len(chunks)-1])
	}
}

func TestSendMessageStream_WhenRejecterFails_ShouldReturnSynchronousError(t *testing.T) {
	// Given a rejecter that refuses one key
	reject := func(key string) error {
		if key == "bad" {
			return errors.New("status 429: quota exceeded")
		}
		return nil
	}
	tr := New(transport.Credentials{APIKey: "bad"}, WithRejecter(reject))

	// When sending with the bad key
	ch, err := tr.SendMessageStream(context.Background(), transport.Request{Prompt: "hi"})

	// Then the error is returned and no stream is opened
	if err == nil || ch != nil {
		t.Fatalf("expected synchronous rejection, got ch=%v err=%v", ch, err)
	}

	// When refreshed to a good key
	if err := tr.Refresh(context.Background(), transport.Credentials{APIKey: "good"}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	ch, err = tr.SendMessageStream(context.Background(), transport.Request{Prompt: "hi"})

	// Then the stream opens
	if err != nil {
		t.Fatalf("send after refresh: %v", err)
	}
	drain(ch)
	if tr.Credentials().APIKey != "good" {
		t.Errorf("credentials not swapped")
	}
}

func TestSendMessageStream_WhenContextCanceled_ShouldReturnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(transport.Credentials{}).SendMessageStream(ctx, transport.Request{Prompt: "hi"}); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
