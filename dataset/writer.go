package dataset

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/tj-corona/vortexfinder2/errors"
)

// framesPerBatch bounds the memory held by one pebble batch during Create
const framesPerBatch = 256

// Source is the content of a dataset to be written
type Source struct {
	// Name is recorded in the manifest; empty uses the directory base name
	Name     string
	DataInfo json.RawMessage
	Events   json.RawMessage
	Frames   []json.RawMessage
}

func (s Source) validate() error {
	if err := requireJSON(s.DataInfo, '{'); err != nil {
		return fmt.Errorf("dataInfo: %w", err)
	}
	if err := requireJSON(s.Events, '['); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	for i, frame := range s.Frames {
		if err := requireJSON(frame, '{'); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return nil
}

func requireJSON(doc json.RawMessage, want byte) error {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return fmt.Errorf("missing")
	}
	if trimmed[0] != want || !json.Valid(trimmed) {
		return fmt.Errorf("expected JSON starting with %q", want)
	}
	return nil
}

// Create writes a new dataset store at path. It fails if anything exists
// at path already. On failure the partially written directory is removed.
func Create(path string, src Source) (Manifest, error) {
	if err := src.validate(); err != nil {
		return Manifest{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Dataset", "Create", "validate source")
	}

	if _, err := os.Stat(path); err == nil {
		return Manifest{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", ErrDatasetExists, path), "Dataset", "Create", "check target")
	} else if !stderrors.Is(err, os.ErrNotExist) {
		return Manifest{}, errors.WrapTransient(err, "Dataset", "Create", "check target")
	}

	name := src.Name
	if name == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	manifest := Manifest{
		Version:   ManifestVersion,
		Name:      name,
		Frames:    len(src.Frames),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := write(path, manifest, src); err != nil {
		_ = os.RemoveAll(path)
		return Manifest{}, err
	}
	return manifest, nil
}

func write(path string, manifest Manifest, src Source) (err error) {
	db, err := pebble.Open(path, &pebble.Options{
		ErrorIfExists: true,
		Logger:        newPebbleLogger(slog.Default().With("component", "dataset")),
	})
	if err != nil {
		return errors.WrapTransient(err, "Dataset", "Create", "open store")
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = errors.WrapTransient(closeErr, "Dataset", "Create", "close store")
		}
	}()

	batch := db.NewBatch()
	defer func() { _ = batch.Close() }()
	for i, frame := range src.Frames {
		if err := batch.Set(frameKey(i), encodeRecord(frame), nil); err != nil {
			return errors.WrapTransient(err, "Dataset", "Create", fmt.Sprintf("stage frame %d", i))
		}
		if (i+1)%framesPerBatch == 0 {
			if err := batch.Commit(pebble.Sync); err != nil {
				return errors.WrapTransient(err, "Dataset", "Create", "commit frames")
			}
			committed := batch
			batch = db.NewBatch()
			if err := committed.Close(); err != nil {
				return errors.WrapTransient(err, "Dataset", "Create", "release batch")
			}
		}
	}

	rawManifest, err := encodeManifest(manifest)
	if err != nil {
		return errors.WrapFatal(err, "Dataset", "Create", "encode manifest")
	}

	// manifest goes last so a store without one is recognisably incomplete
	if err := batch.Set(keyInfo, encodeRecord(src.DataInfo), nil); err != nil {
		return errors.WrapTransient(err, "Dataset", "Create", "stage info")
	}
	if err := batch.Set(keyEvents, encodeRecord(src.Events), nil); err != nil {
		return errors.WrapTransient(err, "Dataset", "Create", "stage events")
	}
	if err := batch.Set(keyManifest, rawManifest, nil); err != nil {
		return errors.WrapTransient(err, "Dataset", "Create", "stage manifest")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.WrapTransient(err, "Dataset", "Create", "commit manifest")
	}

	// flushed stores open read-only without replaying the WAL
	if err := db.Flush(); err != nil {
		return errors.WrapTransient(err, "Dataset", "Create", "flush store")
	}
	return nil
}
