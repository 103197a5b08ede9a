package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"agentdesk/internal/domain"
	"agentdesk/internal/orchestrator"
)

// Inbound message types.
const (
	MsgQuery  = "query"
	MsgCancel = "cancel"
	MsgPing   = "ping"
)

// Reply types sent only to the requesting connection.
const (
	ReplyAccepted = "accepted"
	ReplyCanceled = "canceled"
	ReplyError    = "error"
	ReplyPong     = "pong"
)

// WSMessage is the JSON message protocol for client requests and direct
// replies. Orchestrator events are pushed as domain.Event frames.
// Example: {"type": "query", "provider": "gemini", "sessionId": "s1", "content": "hello"}
type WSMessage struct {
	Type          string `json:"type"`
	Provider      string `json:"provider,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Content       string `json:"content,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Default upgrader for WebSocket connections.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// newLimiter returns a per-connection query limiter allowing perMinute
// queries with a burst of the same size. Zero means unlimited (nil).
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// handleWS upgrades the request and runs the connection. Every hub event is
// pushed to the client. Queries are submitted on a context that ends with the
// connection, so closing the socket cancels its streams. Only GET is
// accepted for the WebSocket handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warn("gateway: ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := s.hub.register()
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(ctx, conn, c)
		// Unblocks the read loop on shutdown or a failed write.
		conn.Close()
	}()
	sess := &wsSession{
		server:   s,
		client:   c,
		ctx:      ctx,
		limiter:  newLimiter(s.cfg.QueriesPerMinute),
		inflight: make(map[string]context.CancelFunc),
	}
	defer func() {
		cancel()
		sess.releaseAll()
		s.hub.unregister(c)
		writer.Wait()
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.handle(raw)
	}
}

// writeLoop is the only writer on conn.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// wsSession is the read-side state of one connection.
type wsSession struct {
	server   *Server
	client   *client
	ctx      context.Context
	limiter  *rate.Limiter
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func (ss *wsSession) handle(raw []byte) {
	var in WSMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		ss.reply(WSMessage{Type: ReplyError, Content: "invalid JSON"})
		return
	}
	switch in.Type {
	case MsgQuery:
		ss.query(in)
	case MsgCancel:
		ss.cancel(in.CorrelationID)
	case MsgPing:
		ss.reply(WSMessage{Type: ReplyPong})
	default:
		ss.reply(WSMessage{Type: ReplyError, Content: "unknown message type: " + in.Type})
	}
}

func (ss *wsSession) query(in WSMessage) {
	if ss.server.submitter == nil {
		ss.reply(WSMessage{Type: ReplyError, Content: "no providers configured", CorrelationID: in.CorrelationID})
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		ss.reply(WSMessage{Type: ReplyError, Content: "content must not be empty", CorrelationID: in.CorrelationID})
		return
	}
	if ss.limiter != nil && !ss.limiter.Allow() {
		ss.reply(WSMessage{Type: ReplyError, Content: "rate limit exceeded", CorrelationID: in.CorrelationID})
		return
	}
	id := in.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	qctx, qcancel := context.WithCancel(ss.ctx)
	ss.mu.Lock()
	ss.inflight[id] = qcancel
	ss.mu.Unlock()
	ss.server.hub.watchTerminal(id, func() { ss.forget(id) })

	ss.reply(WSMessage{Type: ReplyAccepted, Provider: in.Provider, SessionID: in.SessionID, CorrelationID: id})
	q := domain.Query{Provider: in.Provider, SessionID: in.SessionID, Content: in.Content, CorrelationID: id}
	ss.server.queries.Add(1)
	go func() {
		defer ss.server.queries.Done()
		err := ss.server.submitter.SubmitQuery(qctx, q)
		if err == nil {
			return
		}
		canceled := qctx.Err() != nil
		ss.server.hub.unwatch(id)
		ss.forget(id)
		ss.server.log().Warn("gateway: query failed", "correlation_id", id, "provider", q.Provider, "error", err)
		// The client already saw a terminal error event or a canceled reply.
		if canceled || orchestrator.Reported(err) {
			return
		}
		ss.reply(WSMessage{Type: ReplyError, Content: err.Error(), Provider: q.Provider, CorrelationID: id})
	}()
}

func (ss *wsSession) cancel(id string) {
	ss.mu.Lock()
	cancel, ok := ss.inflight[id]
	delete(ss.inflight, id)
	ss.mu.Unlock()
	if !ok {
		ss.reply(WSMessage{Type: ReplyError, Content: "unknown correlationId", CorrelationID: id})
		return
	}
	ss.server.hub.unwatch(id)
	cancel()
	ss.reply(WSMessage{Type: ReplyCanceled, CorrelationID: id})
}

// forget drops a finished query and releases its context.
func (ss *wsSession) forget(id string) {
	ss.mu.Lock()
	cancel, ok := ss.inflight[id]
	delete(ss.inflight, id)
	ss.mu.Unlock()
	if ok {
		cancel()
	}
}

// releaseAll cancels every query still running when the connection ends.
func (ss *wsSession) releaseAll() {
	ss.mu.Lock()
	ids := make([]string, 0, len(ss.inflight))
	for id, cancel := range ss.inflight {
		cancel()
		ids = append(ids, id)
	}
	clear(ss.inflight)
	ss.mu.Unlock()
	for _, id := range ids {
		ss.server.hub.unwatch(id)
	}
}

func (ss *wsSession) reply(msg WSMessage) {
	jsonMarshalMu.RLock()
	marshal := jsonMarshal
	jsonMarshalMu.RUnlock()
	data, err := marshal(msg)
	if err != nil {
		return
	}
	if !ss.server.hub.deliver(ss.client, data) {
		ss.server.log().Warn("gateway: reply dropped", "type", msg.Type)
	}
}
