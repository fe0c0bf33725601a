// Package session implements the per-connection state machine that answers
// dataset listing, dataset open and frame requests.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tj-corona/vortexfinder2/activity"
	"github.com/tj-corona/vortexfinder2/dataset"
	"github.com/tj-corona/vortexfinder2/errors"
	"github.com/tj-corona/vortexfinder2/protocol"
)

// State of a session
type State int

// Session states
const (
	Idle State = iota
	Open
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Lister enumerates dataset identifiers; *catalog.Catalog satisfies it
type Lister interface {
	List() ([]string, error)
}

// Config holds a session's collaborators
type Config struct {
	// ID defaults to a random UUID
	ID         string
	RemoteAddr string

	Catalog   Lister
	Engine    dataset.Engine
	Publisher activity.Publisher
	Logger    *slog.Logger
	Metrics   *Metrics

	// SurfaceCatalogErrors answers an unreadable catalog with a
	// CatalogUnavailable error instead of an empty list
	SurfaceCatalogErrors bool
}

// Session owns at most one dataset handle on behalf of one connection.
// Requests must be handled one at a time; the mutex only protects readers
// such as State against the request loop.
type Session struct {
	id         string
	remoteAddr string
	catalog    Lister
	engine     dataset.Engine
	publisher  activity.Publisher
	logger     *slog.Logger
	metrics    *Metrics
	surface    bool

	mu      sync.Mutex
	state   State
	dataset string
	handle  dataset.Handle
	closed  bool
}

// New creates an idle session
func New(cfg Config) (*Session, error) {
	if cfg.Catalog == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "New", "catalog required")
	}
	if cfg.Engine == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "New", "engine required")
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = activity.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		id:         id,
		remoteAddr: cfg.RemoteAddr,
		catalog:    cfg.Catalog,
		engine:     cfg.Engine,
		publisher:  publisher,
		logger:     logger.With("component", "session", "session_id", id, "remote_addr", cfg.RemoteAddr),
		metrics:    cfg.Metrics,
		surface:    cfg.SurfaceCatalogErrors,
		state:      Idle,
	}
	s.metrics.sessionStarted()
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dataset returns the open dataset, or "" when idle
func (s *Session) Dataset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset
}

// Greeting returns the unsolicited message sent when the connection opens
func (s *Session) Greeting(ctx context.Context) protocol.Response {
	s.publish(ctx, activity.Event{Event: activity.SessionConnected})
	s.logger.Info("Session started")

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDatasets()
}

// Handle decodes one raw client message and answers it. Malformed input
// yields a MalformedRequest error and leaves the session untouched.
func (s *Session) Handle(ctx context.Context, raw []byte) protocol.Response {
	req, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Debug("Malformed request", "error", err)
		resp := protocol.NewError(protocol.KindMalformedRequest, decodeReason(err))
		s.metrics.recordRequest("malformed", responseLabel(resp), 0)
		return resp
	}
	return s.HandleRequest(ctx, req)
}

// HandleRequest answers one decoded request
func (s *Session) HandleRequest(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()

	s.mu.Lock()
	var resp protocol.Response
	switch {
	case s.closed:
		resp = protocol.NewError(protocol.KindNoDatasetOpen, "session closed")
	case req.Kind == protocol.ListDatasets:
		resp = s.listDatasets()
	case req.Kind == protocol.OpenDataset:
		resp = s.openDataset(ctx, req.Name)
	case req.Kind == protocol.GetFrame:
		resp = s.getFrame(req.Frame)
	default:
		resp = protocol.NewError(protocol.KindMalformedRequest, "unknown request")
	}
	s.mu.Unlock()

	s.metrics.recordRequest(req.Kind.String(), responseLabel(resp), time.Since(start))
	return resp
}

func (s *Session) listDatasets() protocol.Response {
	names, err := s.catalog.List()
	if err != nil {
		s.logger.Warn("Dataset catalog unavailable", "error", err)
		if s.surface {
			return protocol.NewError(protocol.KindCatalogUnavailable, "dataset catalog unavailable")
		}
		return protocol.NewDBList(nil)
	}
	return protocol.NewDBList(names)
}

// openDataset releases any held handle before opening the next one, so a
// session never holds two.
func (s *Session) openDataset(ctx context.Context, name string) protocol.Response {
	s.releaseHandle(ctx)

	h, err := s.engine.Open(ctx, name)
	if err != nil {
		return s.openFailed(ctx, name, err)
	}

	info, err := h.DataInfo()
	if err != nil {
		s.closeHandle(h, name)
		return s.openFailed(ctx, name, err)
	}
	events, err := h.Events()
	if err != nil {
		s.closeHandle(h, name)
		return s.openFailed(ctx, name, err)
	}

	s.handle = h
	s.dataset = name
	s.state = Open
	s.metrics.handleOpened()

	s.logger.Info("Dataset opened", "dataset", name)
	s.publish(ctx, activity.Event{Event: activity.DatasetOpened, Dataset: name})
	return protocol.NewDataInfo(info, events)
}

func (s *Session) openFailed(ctx context.Context, name string, err error) protocol.Response {
	s.logger.Warn("Dataset open failed", "dataset", name, "error", err)
	s.publish(ctx, activity.Event{Event: activity.DatasetOpenFailed, Dataset: name, Error: err.Error()})
	return protocol.NewError(protocol.KindOpenFailed, openMessage(name, err))
}

func (s *Session) getFrame(index int) protocol.Response {
	if s.state != Open {
		return protocol.NewError(protocol.KindNoDatasetOpen, "no dataset is open")
	}

	data, err := s.handle.LoadFrame(index)
	if err != nil {
		s.logger.Debug("Frame load failed", "dataset", s.dataset, "frame", index, "error", err)
		return protocol.NewError(protocol.KindFrameFailed, frameMessage(index, err))
	}
	return protocol.NewFrame(index, data)
}

// releaseHandle returns the session to Idle, closing any held handle
func (s *Session) releaseHandle(ctx context.Context) {
	if s.handle == nil {
		s.state = Idle
		return
	}

	h, name := s.handle, s.dataset
	s.handle = nil
	s.dataset = ""
	s.state = Idle
	s.metrics.handleReleased()

	s.closeHandle(h, name)
	s.publish(ctx, activity.Event{Event: activity.DatasetClosed, Dataset: name})
}

func (s *Session) closeHandle(h dataset.Handle, name string) {
	if err := h.Close(); err != nil {
		s.logger.Warn("Failed to close dataset handle", "dataset", name, "error", err)
	}
}

// Close releases the held handle. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	// teardown is not tied to the connection's context
	ctx := context.Background()
	s.releaseHandle(ctx)
	s.mu.Unlock()

	s.metrics.sessionEnded()
	s.publish(ctx, activity.Event{Event: activity.SessionClosed})
	s.logger.Info("Session closed")
	return nil
}

func (s *Session) publish(ctx context.Context, event activity.Event) {
	event.SessionID = s.id
	event.RemoteAddr = s.remoteAddr
	s.publisher.Publish(ctx, event)
}

func responseLabel(resp protocol.Response) string {
	if e, ok := resp.(protocol.Error); ok {
		return string(e.Kind)
	}
	return resp.MessageType()
}

// Messages sent to clients never include paths or storage details.

func decodeReason(err error) string {
	var decodeErr *protocol.DecodeError
	if stderrors.As(err, &decodeErr) {
		return decodeErr.Error()
	}
	return "malformed request"
}

func openMessage(name string, err error) string {
	switch {
	case stderrors.Is(err, dataset.ErrInvalidName):
		return fmt.Sprintf("invalid dataset name %q", name)
	case stderrors.Is(err, dataset.ErrDatasetNotFound):
		return fmt.Sprintf("dataset %q not found", name)
	case stderrors.Is(err, dataset.ErrDataCorrupted):
		return fmt.Sprintf("dataset %q is unreadable", name)
	default:
		return fmt.Sprintf("failed to open dataset %q", name)
	}
}

func frameMessage(index int, err error) string {
	switch {
	case stderrors.Is(err, dataset.ErrFrameOutOfRange):
		return fmt.Sprintf("frame %d out of range", index)
	case stderrors.Is(err, dataset.ErrDataCorrupted):
		return fmt.Sprintf("frame %d is unreadable", index)
	default:
		return fmt.Sprintf("failed to load frame %d", index)
	}
}
