package transport

import (
	"context"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(time.RFC1123), 90 * time.Second},
		{now.Add(-time.Minute).Format(time.RFC1123), 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfter(tc.in, now); got != tc.want {
			t.Errorf("%q: want %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestStatusError_ShouldFormatAndExposeHint(t *testing.T) {
	err := &StatusError{Provider: "openai", StatusCode: 429, Message: "Rate limit reached", RetryAfter: 7 * time.Second}
	if got := err.Error(); got != "openai: status 429: Rate limit reached" {
		t.Errorf("unexpected message %q", got)
	}
	if err.RetryAfterHint() != 7*time.Second {
		t.Errorf("unexpected hint %v", err.RetryAfterHint())
	}
}

func TestSend_WhenContextDone_ShouldNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Send(ctx, make(chan Chunk), Chunk{}) {
		t.Error("expected Send to give up on a canceled context")
	}
}
