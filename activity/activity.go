// Package activity publishes session lifecycle events for external observers.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/tj-corona/vortexfinder2/errors"
)

// Event names, appended to the subject prefix
const (
	SessionConnected  = "session.connected"
	SessionClosed     = "session.closed"
	DatasetOpened     = "dataset.opened"
	DatasetOpenFailed = "dataset.open_failed"
	DatasetClosed     = "dataset.closed"
)

// Event is the JSON payload published for each lifecycle change
type Event struct {
	Event      string    `json:"event"`
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Dataset    string    `json:"dataset,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller on
// the network and must not fail the session.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher drops every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(context.Context, Event) {}

// Sender is the transport used by NATSPublisher; *natsclient.Client satisfies it.
type Sender interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on <prefix>.<event>
type NATSPublisher struct {
	sender Sender
	prefix string
	logger *slog.Logger
	onFail func()
}

// NewNATSPublisher creates a publisher. onFail, if set, is called once per
// failed publish.
func NewNATSPublisher(sender Sender, prefix string, logger *slog.Logger, onFail func()) (*NATSPublisher, error) {
	if sender == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSPublisher", "New", "sender required")
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSPublisher", "New", "subject prefix required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		sender: sender,
		prefix: prefix,
		logger: logger.With("component", "activity"),
		onFail: onFail,
	}, nil
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(event string) string {
	return p.prefix + "." + event
}

// Publish implements Publisher. Failures are logged and counted.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.fail(event, errors.Wrap(err, "NATSPublisher", "Publish", "marshal event"))
		return
	}

	if err := p.sender.Publish(ctx, p.Subject(event.Event), data); err != nil {
		p.fail(event, err)
	}
}

func (p *NATSPublisher) fail(event Event, err error) {
	p.logger.Debug("Activity publish failed",
		"event", event.Event, "session_id", event.SessionID, "error", err)
	if p.onFail != nil {
		p.onFail()
	}
}
