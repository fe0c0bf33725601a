// Package server accepts WebSocket connections and runs one session per
// connection.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tj-corona/vortexfinder2/activity"
	"github.com/tj-corona/vortexfinder2/dataset"
	"github.com/tj-corona/vortexfinder2/errors"
	"github.com/tj-corona/vortexfinder2/health"
	"github.com/tj-corona/vortexfinder2/metric"
	"github.com/tj-corona/vortexfinder2/session"
)

// Config holds listener settings
type Config struct {
	Port int
	Path string

	// ReadLimit caps the size of one client message in bytes
	ReadLimit int64

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestsPerSecond above zero delays requests beyond the rate; they are
	// never dropped
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the listener defaults
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		Path:         "/ws",
		ReadLimit:    1 << 20,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		Burst:        1,
	}
}

// Deps are the collaborators shared by every session
type Deps struct {
	Catalog   session.Lister
	Engine    dataset.Engine
	Publisher activity.Publisher
	Logger    *slog.Logger
	Registry  metric.MetricsRegistrar
	Health    *health.Monitor

	SurfaceCatalogErrors bool
}

type client struct {
	conn        *websocket.Conn
	session     *session.Session
	connectedAt time.Time
	closeOnce   sync.Once
	closed      atomic.Bool
}

// Server is the WebSocket listener
type Server struct {
	cfg            Config
	deps           Deps
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	metrics        *serverMetrics
	sessionMetrics *session.Metrics

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client

	wg sync.WaitGroup
}

// New creates a server. Nothing is bound until Listen.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Catalog == nil || deps.Engine == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "catalog and engine required")
	}
	if cfg.Path == "" || cfg.Path[0] != '/' {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: path %q", errors.ErrInvalidConfig, cfg.Path), "Server", "New", "validate path")
	}
	if cfg.PingInterval <= 0 || cfg.ReadTimeout <= cfg.PingInterval || cfg.WriteTimeout <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "New", "validate timeouts")
	}
	if cfg.ReadLimit <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "New", "validate read limit")
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst < 1 {
		cfg.Burst = 1
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	if deps.Publisher == nil {
		deps.Publisher = activity.NopPublisher{}
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: false,
			// browser clients are served from any origin
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		metrics:        newServerMetrics(deps.Registry, logger),
		sessionMetrics: session.NewMetrics(deps.Registry, logger),
		clients:        make(map[*websocket.Conn]*client),
	}
	return s, nil
}

// routes serves the WebSocket path and /health
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	if s.deps.Health != nil {
		mux.Handle("/health", s.deps.Health)
	}
	return mux
}

// Listen binds the port synchronously. A bind failure is fatal.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Listen", "bind port")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.WrapFatal(stderrors.Join(errors.ErrBindFailed, err), "Server", "Listen",
			fmt.Sprintf("bind port %d", s.cfg.Port))
	}

	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Serve", "serve before listen")
	}
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Serve", "serve twice")
	}
	s.running = true
	srv, ln, ctx := s.httpServer, s.listener, s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.maintainClients(ctx)

	if s.deps.Health != nil {
		s.deps.Health.UpdateHealthy("server", "accepting connections")
	}

	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		if s.deps.Health != nil {
			s.deps.Health.UpdateUnhealthy("server", "listener failed")
		}
		return errors.WrapFatal(err, "Server", "Serve", "accept connections")
	}
	return nil
}

// Stop shuts down the listener, closes every connection and waits up to
// timeout for sessions to finish their in-flight request.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.cancel
	if srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = nil
	s.listener = nil
	s.running = false
	s.mu.Unlock()

	if s.deps.Health != nil {
		s.deps.Health.UpdateUnhealthy("server", "stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
		s.logger.Warn("HTTP server shutdown error", "error", err)
	}

	// hijacked websocket connections are not covered by Shutdown. Cancelling
	// under s.mu orders this against register, so every admitted client is
	// either closed below or refused.
	s.mu.Lock()
	cancel()
	s.mu.Unlock()
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Sessions did not finish within timeout", "timeout", timeout)
		if shutdownErr == nil {
			shutdownErr = errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "wait for sessions")
		}
	}

	s.logger.Info("Server stopped")
	return shutdownErr
}

// ClientCount returns the number of live connections
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		s.metrics.recordError("connection_upgrade")
		s.logger.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, connectedAt: time.Now()}
	if !s.register(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	sess, err := session.New(session.Config{
		RemoteAddr:           r.RemoteAddr,
		Catalog:              s.deps.Catalog,
		Engine:               s.deps.Engine,
		Publisher:            s.deps.Publisher,
		Logger:               s.deps.Logger,
		Metrics:              s.sessionMetrics,
		SurfaceCatalogErrors: s.deps.SurfaceCatalogErrors,
	})
	if err != nil {
		s.metrics.recordError("session_create")
		s.logger.Error("Failed to create session", "error", err)
		s.removeClient(c, "session_error")
		s.wg.Done()
		return
	}
	c.session = sess

	// the hijacked connection keeps this goroutine for its lifetime
	s.serveClient(ctx, c)
}

// register admits c unless shutdown has begun. The check, the insert and
// wg.Add happen under s.mu, which Stop holds while cancelling.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return false
	}

	s.clientsMu.Lock()
	s.clients[c.conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.wg.Add(1)
	s.metrics.clientConnected(count)
	return true
}
