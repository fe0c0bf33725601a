package metric

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tj-corona/vortexfinder2/errors"
)

// Server represents the metrics HTTP server
type Server struct {
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry
	extra    map[string]http.Handler
	mu       sync.Mutex // protects server, listener and extra
}

// NewServer creates a new metrics server with the provided registry
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		extra:    make(map[string]http.Handler),
	}
}

// Handle mounts an additional route, such as /health, next to the metrics
// endpoint. Routes added after Listen are ignored.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = handler
}

// handler builds the metrics mux. Callers must hold s.mu.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))
	for pattern, handler := range s.extra {
		mux.Handle(pattern, handler)
	}
	return mux
}

// Listen binds the metrics port. Bind errors are returned synchronously so
// callers can treat them as startup failures.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Listen", "cannot start server that is already running")
	}

	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Listen", "metrics registry not provided")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(stderrors.Join(errors.ErrBindFailed, err), "Server", "Listen",
			fmt.Sprintf("bind metrics port %d", s.port))
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Serve blocks serving metrics until Stop is called. Listen must be called first.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	if srv == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Serve", "serve before listen")
	}

	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Serve",
			fmt.Sprintf("serve metrics on port %d", s.port))
	}
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil // reset server field to allow restart
		s.listener = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop",
				"failed to stop HTTP server")
		}
	}
	return nil
}

// Address returns the metrics URL, using the bound port when listening
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := s.port
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	return fmt.Sprintf("http://localhost:%d%s", port, s.path)
}
