// Package gateway is the UI-facing HTTP surface: a websocket that streams
// orchestrator events and accepts queries, plus the key pool admin API.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/keymanager"
)

// ErrInvalidPort is returned when gateway port is not in 0..65535.
var ErrInvalidPort = errors.New("gateway port must be 0-65535")

// Submitter accepts chat queries (implemented by orchestrator.Router).
type Submitter interface {
	SubmitQuery(ctx context.Context, q domain.Query) error
}

// Deps are the collaborators a Server serves. All fields are optional: with
// no Submitter queries are refused, and with no Pools the admin API is empty.
type Deps struct {
	Submitter Submitter
	Pools     map[string]KeyAdmin
	Logger    *slog.Logger
}

// Server is an HTTP server that optionally enforces Bearer token auth.
type Server struct {
	cfg         *domain.GatewayConfig
	server      *http.Server
	hub         *Hub
	submitter   Submitter
	pools       map[string]KeyAdmin
	logger      *slog.Logger
	nowFunc     func() time.Time
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	queries     sync.WaitGroup
	unsubs      []func()
	addr        string
	addrMu      sync.RWMutex
	listenErr   error
	listenErrMu sync.Mutex
	listener    net.Listener
}

// NewServer builds a gateway server from config. Port 0 means pick a random
// port. Every pool in deps is subscribed so key changes reach websocket
// clients as key_status events. Returns ErrInvalidPort if port is not in
// 0..65535.
func NewServer(cfg *domain.GatewayConfig, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = &domain.GatewayConfig{Port: 8080, Auth: domain.AuthConfig{}}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	pools := deps.Pools
	if pools == nil {
		pools = map[string]KeyAdmin{}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		hub:        NewHub(deps.Logger),
		submitter:  deps.Submitter,
		pools:      pools,
		logger:     deps.Logger,
		nowFunc:    time.Now,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", s.handleWS)
	s.routeAdmin(mux)
	s.server = &http.Server{
		Handler:           BearerAuth(cfg.Auth.AuthToken)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for ns, pool := range pools {
		s.unsubs = append(s.unsubs, pool.Subscribe(s.keyStatusObserver(ns)))
	}
	return s, nil
}

// keyStatusObserver pushes a masked key_status event for every pool change.
func (s *Server) keyStatusObserver(ns string) func(domain.KeyPoolState) {
	return func(st domain.KeyPoolState) {
		now := s.nowFunc()
		s.hub.Publish(domain.Event{
			Type:      domain.EventKeyStatus,
			Provider:  ns,
			Data:      keymanager.StatusViews(st.Keys, st.ActiveIndex, now),
			Timestamp: now,
		})
	}
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Hub returns the event hub; subscribe it to the event bus so orchestrator
// events reach websocket clients.
func (s *Server) Hub() *Hub { return s.hub }

// Addr returns the bound address (e.g. "127.0.0.1:8080") after Run has started. Empty before Run.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// ListenErr returns the error from the initial Listen in Run(), if any. Used when Addr() is still empty after Run() has been started.
func (s *Server) ListenErr() error {
	s.listenErrMu.Lock()
	defer s.listenErrMu.Unlock()
	return s.listenErr
}

// Handler returns the HTTP handler used by the server. For testing without binding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// netListen is the function used to listen; tests may replace it to force Listen errors.
var netListen = func(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// Run listens on the configured port and serves until shutdown is closed.
// On shutdown in-flight queries are canceled and waited for. Returns nil when
// shut down cleanly.
func (s *Server) Run(shutdown <-chan struct{}) error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	ln, err := netListen("tcp", addr)
	if err != nil {
		s.listenErrMu.Lock()
		s.listenErr = err
		s.listenErrMu.Unlock()
		return err
	}
	s.addrMu.Lock()
	s.listener = ln
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	s.log().Info("gateway: listening", "addr", s.addr)

	done := make(chan error, 1)
	go func() {
		done <- s.server.Serve(ln)
	}()

	<-shutdown
	s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = serverShutdown(s.server, ctx)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Close cancels in-flight queries, waits for their submissions to return and
// drops the pool subscriptions. It is safe to call more than once.
func (s *Server) Close() {
	s.cancelBase()
	s.queries.Wait()
	for _, unsub := range s.unsubs {
		unsub()
	}
}

// serverShutdown is the function used to shut down the server; tests may replace it.
var serverShutdown = func(srv *http.Server, ctx context.Context) error {
	return srv.Shutdown(ctx)
}
