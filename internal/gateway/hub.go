package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"agentdesk/internal/domain"
)

// clientBuffer is how many outbound frames a websocket client may lag behind
// before frames are dropped for it.
var clientBuffer = 64

// client is one websocket connection's outbound queue.
type client struct {
	send chan []byte
}

// Hub broadcasts events to every connected websocket client. It implements
// domain.EventSink; a slow client loses frames rather than blocking the
// publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger

	watchMu  sync.Mutex
	watchers map[string]func()
}

// NewHub returns an empty Hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		watchers: make(map[string]func()),
		logger:   logger,
	}
}

func (h *Hub) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

// Publish implements domain.EventSink.
func (h *Hub) Publish(ev domain.Event) {
	jsonMarshalMu.RLock()
	marshal := jsonMarshal
	jsonMarshalMu.RUnlock()
	data, err := marshal(ev)
	if err != nil {
		h.log().Error("gateway: encode event failed", "type", ev.Type, "error", err)
		return
	}
	h.broadcast(data)
	if ev.Type == domain.EventFinish || ev.Type == domain.EventError {
		h.fireTerminal(ev.CorrelationID)
	}
}

// watchTerminal arranges for fn to run once, after the finish or error event
// of correlation ID id has been broadcast.
func (h *Hub) watchTerminal(id string, fn func()) {
	h.watchMu.Lock()
	h.watchers[id] = fn
	h.watchMu.Unlock()
}

func (h *Hub) unwatch(id string) {
	h.watchMu.Lock()
	delete(h.watchers, id)
	h.watchMu.Unlock()
}

// watching returns how many queries still await a terminal event.
func (h *Hub) watching() int {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	return len(h.watchers)
}

// fireTerminal runs the watcher for id under watchMu, so it has finished by
// the time the watcher count drops. Watchers must not call back into the hub.
func (h *Hub) fireTerminal(id string) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	if fn, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		fn()
	}
}

// deliver queues data for c alone. It reports false when c is gone or its
// queue is full.
func (h *Hub) deliver(c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	return c.offer(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.offer(data) {
			h.log().Warn("gateway: client too slow, frame dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register() *client {
	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unregister removes c and closes its queue. Publish holds the read lock
// while offering, so no send races the close.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// offer queues data without blocking and reports whether it was queued.
func (c *client) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// jsonMarshal is used when encoding frames; tests may replace it to force Marshal errors.
// Access is protected by jsonMarshalMu for race-safe test swaps.
var (
	jsonMarshalMu sync.RWMutex
	jsonMarshal   = json.Marshal
)

var _ domain.EventSink = (*Hub)(nil)
