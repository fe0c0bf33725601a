package dataset

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tj-corona/vortexfinder2/errors"
)

type handle struct {
	engine *PebbleEngine
	store  *store
	frames *lru.Cache // nil when caching is disabled

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ Handle = (*handle)(nil)

func newHandle(e *PebbleEngine, s *store, cacheSize int) (*handle, error) {
	h := &handle{engine: e, store: s}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Handle", "New", "create frame cache")
		}
		h.frames = cache
	}
	return h, nil
}

// Name returns the dataset identifier
func (h *handle) Name() string {
	return h.store.name
}

// Frames returns the number of frames in the dataset
func (h *handle) Frames() int {
	return h.store.manifest.Frames
}

func (h *handle) DataInfo() (json.RawMessage, error) {
	return h.document("DataInfo", keyInfo, '{')
}

func (h *handle) Events() (json.RawMessage, error) {
	return h.document("Events", keyEvents, '[')
}

func (h *handle) LoadFrame(index int) (json.RawMessage, error) {
	if h.closed.Load() {
		return nil, errors.WrapInvalid(ErrHandleClosed, "Handle", "LoadFrame", "load frame")
	}
	if index < 0 || index >= h.store.manifest.Frames {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d not in [0, %d)", ErrFrameOutOfRange, index, h.store.manifest.Frames),
			"Handle", "LoadFrame", "check frame index")
	}

	if h.frames != nil {
		if cached, ok := h.frames.Get(index); ok {
			h.engine.metrics.recordCacheHit()
			return cached.(json.RawMessage), nil
		}
	}

	start := time.Now()
	frame, err := h.read("LoadFrame", frameKey(index), '{')
	if err != nil {
		return nil, err
	}
	h.engine.metrics.recordStoreLoad(h.store.name, time.Since(start))

	if h.frames != nil {
		h.frames.Add(index, frame)
	}
	return frame, nil
}

func (h *handle) document(method string, key []byte, want byte) (json.RawMessage, error) {
	if h.closed.Load() {
		return nil, errors.WrapInvalid(ErrHandleClosed, "Handle", method, "read document")
	}
	return h.read(method, key, want)
}

func (h *handle) read(method string, key []byte, want byte) (json.RawMessage, error) {
	raw, err := getValue(h.store.db, key)
	if err != nil {
		if stderrors.Is(err, pebble.ErrNotFound) {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: missing record %s", ErrDataCorrupted, key), "Handle", method, "read record")
		}
		return nil, errors.WrapTransient(err, "Handle", method, "read record")
	}

	doc, err := decodeRecord(raw, want)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: record %s: %w", ErrDataCorrupted, key, err), "Handle", method, "decode record")
	}
	return doc, nil
}

// Close releases the handle's reference on the shared store. Later calls
// are no-ops.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.frames != nil {
			h.frames.Purge()
		}
		h.engine.release(h.store)
	})
	return nil
}
