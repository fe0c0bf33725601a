package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tj-corona/vortexfinder2/activity"
	"github.com/tj-corona/vortexfinder2/dataset"
	"github.com/tj-corona/vortexfinder2/metric"
	"github.com/tj-corona/vortexfinder2/protocol"
)

type fakeLister struct {
	names []string
	err   error
}

func (f fakeLister) List() ([]string, error) { return f.names, f.err }

// fakeEngine records every open and close so tests can check ordering and
// that no session ever holds two handles.
type fakeEngine struct {
	mu       sync.Mutex
	log      []string
	live     int
	maxLive  int
	opens    int
	closes   map[string]int
	openErr  map[string]error
	infoErr  map[string]error
	frameErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		closes:  make(map[string]int),
		openErr: make(map[string]error),
		infoErr: make(map[string]error),
	}
}

func (e *fakeEngine) Open(_ context.Context, name string) (dataset.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.opens++
	if err := e.openErr[name]; err != nil {
		e.log = append(e.log, "fail "+name)
		return nil, err
	}
	e.log = append(e.log, "open "+name)
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return &fakeHandle{engine: e, name: name}, nil
}

func (e *fakeEngine) snapshot() (log []string, live, maxLive, opens int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...), e.live, e.maxLive, e.opens
}

type fakeHandle struct {
	engine *fakeEngine
	name   string
}

func (h *fakeHandle) DataInfo() (json.RawMessage, error) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if err := h.engine.infoErr[h.name]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"name":%q}`, h.name)), nil
}

func (h *fakeHandle) Events() (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (h *fakeHandle) LoadFrame(index int) (json.RawMessage, error) {
	if h.engine.frameErr != nil {
		return nil, h.engine.frameErr
	}
	if index < 0 || index >= 3 {
		return nil, fmt.Errorf("%w: %d", dataset.ErrFrameOutOfRange, index)
	}
	return json.RawMessage(fmt.Sprintf(`{"dataset":%q,"frame":%d}`, h.name, index)), nil
}

func (h *fakeHandle) Close() error {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	h.engine.log = append(h.engine.log, "close "+h.name)
	h.engine.closes[h.name]++
	h.engine.live--
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, event activity.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.Event)
}

func newSession(t *testing.T, engine dataset.Engine, lister Lister, opts ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{Catalog: lister, Engine: engine, RemoteAddr: "127.0.0.1:1234"}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func send(t *testing.T, s *Session, msg string) protocol.Response {
	t.Helper()
	return s.Handle(context.Background(), []byte(msg))
}

func requireError(t *testing.T, resp protocol.Response, kind protocol.ErrorKind) protocol.Error {
	t.Helper()
	e, ok := resp.(protocol.Error)
	require.True(t, ok, "expected error response, got %#v", resp)
	assert.Equal(t, kind, e.Kind)
	return e
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Engine: newFakeEngine()})
	assert.Error(t, err)
	_, err = New(Config{Catalog: fakeLister{}})
	assert.Error(t, err)

	s := newSession(t, newFakeEngine(), fakeLister{})
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, Idle, s.State())
}

func TestGreeting(t *testing.T) {
	s := newSession(t, newFakeEngine(), fakeLister{names: []string{"demoA", "demoB"}})
	resp := s.Greeting(context.Background())
	assert.Equal(t, protocol.NewDBList([]string{"demoA", "demoB"}), resp)
}

func TestGreeting_CatalogUnavailable(t *testing.T) {
	lister := fakeLister{err: fmt.Errorf("permission denied")}

	s := newSession(t, newFakeEngine(), lister)
	assert.Equal(t, protocol.NewDBList(nil), s.Greeting(context.Background()))

	strict := newSession(t, newFakeEngine(), lister, func(c *Config) { c.SurfaceCatalogErrors = true })
	requireError(t, strict.Greeting(context.Background()), protocol.KindCatalogUnavailable)
}

func TestListDatasets(t *testing.T) {
	s := newSession(t, newFakeEngine(), fakeLister{names: []string{"demoA"}})
	resp := send(t, s, `{"type":"requestDBList"}`)
	assert.Equal(t, protocol.NewDBList([]string{"demoA"}), resp)
}

func TestGetFrame_BeforeOpen(t *testing.T) {
	engine := newFakeEngine()
	s := newSession(t, engine, fakeLister{})

	requireError(t, send(t, s, `{"type":"requestFrame","frame":0}`), protocol.KindNoDatasetOpen)

	_, _, _, opens := engine.snapshot()
	assert.Zero(t, opens, "engine never called")
	assert.Equal(t, Idle, s.State())

	// session still usable
	resp := send(t, s, `{"type":"requestDataInfo","dbname":"demoA"}`)
	assert.IsType(t, protocol.DataInfo{}, resp)
}

func TestOpenAndLoadFrame(t *testing.T) {
	s := newSession(t, newFakeEngine(), fakeLister{})

	resp := send(t, s, `{"type":"requestDataInfo","dbname":"demoA"}`)
	info, ok := resp.(protocol.DataInfo)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"demoA"}`, string(info.DataInfo))
	assert.JSONEq(t, `[]`, string(info.Events))
	assert.Equal(t, Open, s.State())
	assert.Equal(t, "demoA", s.Dataset())

	frame, ok := send(t, s, `{"type":"requestFrame","frame":2}`).(protocol.Frame)
	require.True(t, ok)
	assert.Equal(t, 2, frame.Index)
	assert.JSONEq(t, `{"dataset":"demoA","frame":2}`, string(frame.Data))

	e := requireError(t, send(t, s, `{"type":"requestFrame","frame":999999}`), protocol.KindFrameFailed)
	assert.Equal(t, "frame 999999 out of range", e.Message)
	assert.Equal(t, Open, s.State(), "frame failure keeps the dataset open")
}

func TestOpenSecondDataset_ReleasesFirstBeforeOpening(t *testing.T) {
	engine := newFakeEngine()
	s := newSession(t, engine, fakeLister{})

	send(t, s, `{"type":"requestDataInfo","dbname":"A"}`)
	send(t, s, `{"type":"requestDataInfo","dbname":"B"}`)
	send(t, s, `{"type":"requestDataInfo","dbname":"B"}`)
	require.NoError(t, s.Close())

	log, live, maxLive, _ := engine.snapshot()
	assert.Equal(t, []string{"open A", "close A", "open B", "close B", "open B", "close B"}, log)
	assert.Zero(t, live)
	assert.Equal(t, 1, maxLive, "never more than one handle per session")
}

func TestOpenFailure_ReturnsToIdle(t *testing.T) {
	engine := newFakeEngine()
	engine.openErr["missing"] = fmt.Errorf("wrapped: %w", dataset.ErrDatasetNotFound)
	s := newSession(t, engine, fakeLister{})

	send(t, s, `{"type":"requestDataInfo","dbname":"A"}`)
	e := requireError(t, send(t, s, `{"type":"requestDataInfo","dbname":"missing"}`), protocol.KindOpenFailed)
	assert.Equal(t, `dataset "missing" not found`, e.Message)
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.Dataset())

	// previous dataset was released, not kept
	requireError(t, send(t, s, `{"type":"requestFrame","frame":0}`), protocol.KindNoDatasetOpen)
	_, live, _, _ := engine.snapshot()
	assert.Zero(t, live)
}

func TestOpenFailure_MetadataClosesFreshHandle(t *testing.T) {
	engine := newFakeEngine()
	engine.infoErr["bad"] = fmt.Errorf("%w: info", dataset.ErrDataCorrupted)
	s := newSession(t, engine, fakeLister{})

	e := requireError(t, send(t, s, `{"type":"requestDataInfo","dbname":"bad"}`), protocol.KindOpenFailed)
	assert.Equal(t, `dataset "bad" is unreadable`, e.Message)
	assert.Equal(t, Idle, s.State())

	log, live, _, _ := engine.snapshot()
	assert.Equal(t, []string{"open bad", "close bad"}, log)
	assert.Zero(t, live, "never half-open")
}

func TestOpenFailure_MessagesHideDetails(t *testing.T) {
	engine := newFakeEngine()
	engine.openErr["x"] = fmt.Errorf("open /srv/data/x.rocksdb: io error")
	s := newSession(t, engine, fakeLister{})

	e := requireError(t, send(t, s, `{"type":"requestDataInfo","dbname":"x"}`), protocol.KindOpenFailed)
	assert.NotContains(t, e.Message, "/srv")
}

func TestMalformedRequests_OneErrorEach(t *testing.T) {
	engine := newFakeEngine()
	s := newSession(t, engine, fakeLister{})
	send(t, s, `{"type":"requestDataInfo","dbname":"A"}`)

	for _, msg := range []string{`garbage`, `{"type":"requestFrame","frame":"x"}`, `{"type":42}`, `[]`} {
		e := requireError(t, send(t, s, msg), protocol.KindMalformedRequest)
		assert.Contains(t, e.Message, "malformed request")
	}

	assert.Equal(t, Open, s.State(), "malformed input leaves state unchanged")
	_, ok := send(t, s, `{"type":"requestFrame","frame":1}`).(protocol.Frame)
	assert.True(t, ok)
}

func TestClose_ReleasesExactlyOnce(t *testing.T) {
	engine := newFakeEngine()
	s := newSession(t, engine, fakeLister{})
	send(t, s, `{"type":"requestDataInfo","dbname":"A"}`)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	engine.mu.Lock()
	assert.Equal(t, 1, engine.closes["A"])
	engine.mu.Unlock()
	assert.Equal(t, Idle, s.State())

	requireError(t, send(t, s, `{"type":"requestFrame","frame":0}`), protocol.KindNoDatasetOpen)
}

func TestClose_Idle(t *testing.T) {
	engine := newFakeEngine()
	s := newSession(t, engine, fakeLister{})
	require.NoError(t, s.Close())

	log, _, _, _ := engine.snapshot()
	assert.Empty(t, log)
}

func TestActivityEvents(t *testing.T) {
	engine := newFakeEngine()
	engine.openErr["missing"] = dataset.ErrDatasetNotFound
	publisher := &recordingPublisher{}
	s := newSession(t, engine, fakeLister{}, func(c *Config) { c.Publisher = publisher })

	s.Greeting(context.Background())
	send(t, s, `{"type":"requestDataInfo","dbname":"A"}`)
	send(t, s, `{"type":"requestDataInfo","dbname":"missing"}`)
	require.NoError(t, s.Close())

	assert.Equal(t, []string{
		activity.SessionConnected,
		activity.DatasetOpened,
		activity.DatasetClosed,
		activity.DatasetOpenFailed,
		activity.SessionClosed,
	}, publisher.events)
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	metrics := NewMetrics(registry, nil)
	require.NotNil(t, metrics)

	s := newSession(t, newFakeEngine(), fakeLister{}, func(c *Config) { c.Metrics = metrics })
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessionsActive))

	send(t, s, `{"type":"requestDataInfo","dbname":"A"}`)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.handlesOpen))

	send(t, s, `{"type":"requestFrame","frame":0}`)
	send(t, s, `nope`)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("requestDataInfo", "dataInfo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("requestFrame", "vlines")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("malformed", "MalformedRequest")))

	require.NoError(t, s.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.sessionsActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.handlesOpen))

	// second registration on the same registry is refused, metrics disabled
	assert.Nil(t, NewMetrics(registry, nil))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "unknown", State(9).String())
}
