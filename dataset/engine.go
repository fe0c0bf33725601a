package dataset

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/tj-corona/vortexfinder2/errors"
	"github.com/tj-corona/vortexfinder2/metric"
)

// Engine opens datasets by name
type Engine interface {
	Open(ctx context.Context, name string) (Handle, error)
}

// Handle is one session's view of an open dataset. A Handle is used by a
// single session and must be closed exactly once.
type Handle interface {
	DataInfo() (json.RawMessage, error)
	Events() (json.RawMessage, error)
	LoadFrame(index int) (json.RawMessage, error)
	Close() error
}

// Options configures a PebbleEngine
type Options struct {
	Root   string
	Suffix string

	// FrameCacheSize is the number of decoded frames kept per handle; 0 disables caching
	FrameCacheSize int

	// BlockCacheMB is the pebble block cache shared by every open store
	BlockCacheMB int

	Logger   *slog.Logger
	Registry metric.MetricsRegistrar
}

// store is one read-only pebble DB shared by every handle on the same path
type store struct {
	name     string
	path     string
	ready    chan struct{}
	db       *pebble.DB
	manifest Manifest
	err      error
	refs     int
}

// PebbleEngine serves datasets stored as pebble directories named
// <root>/<name><suffix>. It is safe for concurrent use.
type PebbleEngine struct {
	opts    Options
	cache   *pebble.Cache
	logger  *slog.Logger
	metrics *engineMetrics

	mu     sync.Mutex
	stores map[string]*store
	closed bool
}

var _ Engine = (*PebbleEngine)(nil)

// NewPebbleEngine creates an engine rooted at opts.Root
func NewPebbleEngine(opts Options) (*PebbleEngine, error) {
	if opts.Root == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PebbleEngine", "New", "root required")
	}
	if opts.Suffix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PebbleEngine", "New", "suffix required")
	}
	if opts.FrameCacheSize < 0 || opts.BlockCacheMB < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "PebbleEngine", "New", "cache sizes must be non-negative")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dataset")

	var cache *pebble.Cache
	if opts.BlockCacheMB > 0 {
		cache = pebble.NewCache(int64(opts.BlockCacheMB) << 20)
	}

	return &PebbleEngine{
		opts:    opts,
		cache:   cache,
		logger:  logger,
		metrics: newEngineMetrics(opts.Registry, logger),
		stores:  make(map[string]*store),
	}, nil
}

// ValidateName rejects names that could escape the dataset root. Dots
// inside a single path element, as in "run1..final", are allowed.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Path returns the on-disk location of a dataset
func (e *PebbleEngine) Path(name string) string {
	return filepath.Join(e.opts.Root, name+e.opts.Suffix)
}

// Open returns a new handle on the named dataset.
func (e *PebbleEngine) Open(ctx context.Context, name string) (Handle, error) {
	h, err := e.open(ctx, name)
	e.metrics.recordOpen(err)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (e *PebbleEngine) open(ctx context.Context, name string) (*handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PebbleEngine", "Open", "open dataset")
	}
	if err := ValidateName(name); err != nil {
		return nil, errors.WrapInvalid(err, "PebbleEngine", "Open", "validate name")
	}

	s, err := e.acquire(name)
	if err != nil {
		return nil, err
	}

	h, err := newHandle(e, s, e.opts.FrameCacheSize)
	if err != nil {
		e.release(s)
		return nil, err
	}
	return h, nil
}

// acquire returns the shared store for name, opening it on first use.
// Concurrent first opens of the same dataset wait for one pebble.Open.
func (e *PebbleEngine) acquire(name string) (*store, error) {
	path := e.Path(name)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "PebbleEngine", "Open", "engine closed")
	}
	if s, ok := e.stores[path]; ok {
		s.refs++
		e.mu.Unlock()
		<-s.ready
		if s.err != nil {
			return nil, s.err
		}
		return s, nil
	}
	s := &store{name: name, path: path, ready: make(chan struct{}), refs: 1}
	e.stores[path] = s
	e.mu.Unlock()

	s.db, s.manifest, s.err = e.openStore(name, path)
	if s.err != nil {
		e.mu.Lock()
		if e.stores[path] == s {
			delete(e.stores, path)
		}
		e.mu.Unlock()
	} else {
		e.metrics.storeOpened()
		e.logger.Debug("Opened dataset store", "dataset", name, "frames", s.manifest.Frames)
	}
	close(s.ready)

	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

func (e *PebbleEngine) openStore(name, path string) (*pebble.DB, Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, Manifest{}, errors.WrapInvalid(
				fmt.Errorf("%w: %s", ErrDatasetNotFound, name), "PebbleEngine", "Open", "locate dataset")
		}
		return nil, Manifest{}, errors.WrapTransient(err, "PebbleEngine", "Open", "stat dataset")
	}
	if !info.IsDir() {
		return nil, Manifest{}, errors.WrapFatal(
			fmt.Errorf("%w: %s is not a directory", ErrDataCorrupted, name), "PebbleEngine", "Open", "locate dataset")
	}

	db, err := pebble.Open(path, &pebble.Options{
		Cache:            e.cache,
		ReadOnly:         true,
		ErrorIfNotExists: true,
		Logger:           newPebbleLogger(e.logger),
	})
	if err != nil {
		return nil, Manifest{}, errors.WrapFatal(
			fmt.Errorf("%w: %w", ErrDataCorrupted, err), "PebbleEngine", "Open", "open store")
	}

	raw, err := getValue(db, keyManifest)
	if err != nil {
		_ = db.Close()
		return nil, Manifest{}, errors.WrapFatal(
			fmt.Errorf("%w: manifest: %w", ErrDataCorrupted, err), "PebbleEngine", "Open", "read manifest")
	}
	manifest, err := decodeManifest(raw)
	if err != nil {
		_ = db.Close()
		return nil, Manifest{}, errors.WrapFatal(
			fmt.Errorf("%w: manifest: %w", ErrDataCorrupted, err), "PebbleEngine", "Open", "decode manifest")
	}

	return db, manifest, nil
}

// release drops one reference and closes the store when it was the last.
// The close happens under the lock so a reopen never races the old DB.
func (e *PebbleEngine) release(s *store) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	if e.stores[s.path] == s {
		delete(e.stores, s.path)
	}
	if err := s.db.Close(); err != nil {
		e.logger.Warn("Failed to close dataset store", "dataset", s.name, "error", err)
	}
	e.metrics.storeClosed()
	e.logger.Debug("Closed dataset store", "dataset", s.name)
}

// OpenStores returns the number of pebble stores currently open
func (e *PebbleEngine) OpenStores() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range e.stores {
		select {
		case <-s.ready:
			if s.err == nil {
				n++
			}
		default:
		}
	}
	return n
}

// Close refuses further opens and releases the shared block cache.
// Handles still open keep their stores until they are closed.
func (e *PebbleEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.stores) > 0 {
		e.logger.Warn("Engine closed with open stores", "count", len(e.stores))
	}
	if e.cache != nil {
		e.cache.Unref()
	}
	return nil
}

// getValue copies a value out of pebble
func getValue(db *pebble.DB, key []byte) ([]byte, error) {
	value, closer, err := db.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
