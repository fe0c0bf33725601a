// Package natsclient manages the NATS connection behind the activity feed.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tj-corona/vortexfinder2/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Publish when no live connection exists
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client wraps a nats.Conn with status tracking and lifecycle callbacks
type Client struct {
	url    string
	status atomic.Int32
	logger *slog.Logger

	conn *nats.Conn

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	onReconnect    func()
	onHealthChange func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url required")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient")
	c.setStatus(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(int32(status))
}

// IsHealthy returns true if the connection is usable
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect dials the server. The dial is abandoned when ctx ends first.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.connectionOptions()...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}
		m.mu.Lock()
		m.conn = res.conn
		m.mu.Unlock()
	case <-ctx.Done():
		m.setStatus(StatusDisconnected)
		// close a connection that lands after we gave up
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.logger.Info("Connected to NATS", "url", m.url)
	m.notifyHealth(true)
	return nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	defer m.setStatus(StatusClosed)

	if conn == nil {
		return nil
	}

	drainTimeout := m.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain timeout")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}

	if drainErr != nil {
		m.logger.Warn("Drain failed, force closing", "error", drainErr)
	}
	conn.Close()
	return drainErr
}

func (m *Client) notifyHealth(healthy bool) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("Disconnected from NATS", "error", err)
	go m.notifyHealth(false)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.logger.Info("Reconnected to NATS")

	m.mu.RLock()
	onReconnect := m.onReconnect
	m.mu.RUnlock()
	if onReconnect != nil {
		go onReconnect()
	}
	go m.notifyHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusDisconnected)
	go m.notifyHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}
