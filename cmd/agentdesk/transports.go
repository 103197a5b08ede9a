package main

import (
	"context"
	"fmt"

	"agentdesk/internal/domain"
	"agentdesk/internal/transport"
	"agentdesk/internal/transport/gemini"
	"agentdesk/internal/transport/local"
	"agentdesk/internal/transport/openai"
)

// authModeAPIKey is the only authentication mode the transports support.
const authModeAPIKey = "api-key"

// placeholderKey lets the Gemini SDK client be built while the pool is empty.
// The orchestrator replaces it before the first send, or fails the query
// with key exhaustion when no key exists.
const placeholderKey = "unset"

// newTransport builds the transport for a provider kind; tests replace it.
var newTransport = func(ctx context.Context, pc domain.ProviderConfig, apiKey string) (transport.Transport, error) {
	if pc.AuthMode != "" && pc.AuthMode != authModeAPIKey {
		return nil, fmt.Errorf("unsupported auth mode %q", pc.AuthMode)
	}
	creds := transport.Credentials{APIKey: apiKey, BaseURL: pc.BaseURL, Model: pc.Model}
	switch pc.Kind {
	case domain.ProviderKindGemini:
		if creds.APIKey == "" {
			creds.APIKey = placeholderKey
		}
		return gemini.New(ctx, creds, gemini.WithThoughts(true))
	case domain.ProviderKindOpenAI:
		return openai.New(creds, nil), nil
	case domain.ProviderKindLocal:
		return local.New(creds), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}
