package server

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tj-corona/vortexfinder2/protocol"
)

// serveClient runs the session loop for one connection: read, handle, write,
// strictly one message at a time. The session is closed only after the
// in-flight request has returned.
func (s *Server) serveClient(ctx context.Context, c *client) {
	defer s.wg.Done()
	defer func() { _ = c.session.Close() }()

	reason := "normal"
	defer func() { s.removeClient(c, reason) }()

	conn := c.conn
	conn.SetReadLimit(s.cfg.ReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
	}

	if err := s.write(c, c.session.Greeting(ctx)); err != nil {
		reason = "write_error"
		return
	}

	for {
		// reset after every request so a slow engine call never eats the
		// idle allowance of the next read
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = readFailureReason(err)
			if reason != "normal" {
				s.logger.Debug("Connection read failed",
					"session_id", c.session.ID(), "reason", reason, "error", err)
			}
			return
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				reason = "shutdown"
				return
			}
		}

		if err := s.write(c, c.session.Handle(ctx, data)); err != nil {
			reason = "write_error"
			return
		}
	}
}

func readFailureReason(err error) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return "normal"
	case stderrors.Is(err, websocket.ErrReadLimit):
		return "read_limit"
	case websocket.IsUnexpectedCloseError(err):
		return "unexpected_close"
	default:
		var netErr interface{ Timeout() bool }
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		return "transport_error"
	}
}

func (s *Server) write(c *client, resp protocol.Response) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		s.metrics.recordError("encode")
		s.logger.Error("Failed to encode response",
			"session_id", c.session.ID(), "type", resp.MessageType(), "error", err)
		data, err = protocol.Encode(fallbackError(resp))
		if err != nil {
			return err
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.metrics.recordError("write")
		return err
	}
	s.metrics.messageSent(resp.MessageType(), len(data))
	return nil
}

// fallbackError keeps the one-response-per-request rule when a payload
// cannot be encoded
func fallbackError(resp protocol.Response) protocol.Response {
	switch resp.(type) {
	case protocol.DataInfo:
		return protocol.NewError(protocol.KindOpenFailed, "dataset metadata is unreadable")
	case protocol.Frame:
		return protocol.NewError(protocol.KindFrameFailed, "frame is unreadable")
	default:
		return protocol.NewError(protocol.KindCatalogUnavailable, "response could not be encoded")
	}
}

func (s *Server) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		s.metrics.clientDisconnected(reason, count)
		_ = c.conn.Close()
	})
}

// maintainClients pings every connection at the configured interval
func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) snapshot() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	list := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.closed.Load() {
			list = append(list, c)
		}
	}
	return list
}

// pingClients uses WriteControl, which gorilla allows concurrently with the
// session loop's writes
func (s *Server) pingClients() {
	for _, c := range s.snapshot() {
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.metrics.recordError("ping")
			s.removeClient(c, "ping_failed")
		}
	}
}

func (s *Server) closeAllClients() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range s.snapshot() {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.removeClient(c, "shutdown")
	}
}
