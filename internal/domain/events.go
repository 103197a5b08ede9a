package domain

import "time"

// =============================================================================
// Stream Events
// =============================================================================

// EventType names a UI-facing event emitted while a query is processed.
type EventType string

const (
	EventStart     EventType = "start"
	EventInfo      EventType = "info"
	EventContent   EventType = "content"
	EventThought   EventType = "thought"
	EventToolGroup EventType = "tool_group"
	EventError     EventType = "error"
	EventFinish    EventType = "finish"
	EventKeyStatus EventType = "key_status" // pushed after every key pool mutation
)

// Event is a single message delivered to the event sink. Data is a string for
// content, thought and error; a []ToolCall for tool_group; a key switch
// description for info; a []KeyStatusView for key_status and nil for start
// and finish.
type Event struct {
	Type          EventType `json:"type"`
	Data          any       `json:"data,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ToolCall describes one tool invocation announced by the model.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Query is one chat submission. SessionID scopes the transport-side
// conversation; CorrelationID tags every event emitted for the query.
type Query struct {
	Provider      string `json:"provider"`
	SessionID     string `json:"sessionId"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId,omitempty"`
}
