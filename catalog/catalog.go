// Package catalog lists the datasets available under a root directory.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tj-corona/vortexfinder2/dataset"
	"github.com/tj-corona/vortexfinder2/errors"
)

// DefaultSuffix matches the naming used by dataset stores on disk
const DefaultSuffix = ".rocksdb"

// Catalog enumerates dataset identifiers. It is read-only and safe for
// concurrent use.
type Catalog struct {
	root   string
	suffix string
}

// New creates a catalog over root. An empty suffix selects DefaultSuffix.
func New(root, suffix string) (*Catalog, error) {
	if root == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Catalog", "New", "root required")
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if strings.ContainsAny(suffix, `/\`) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: suffix %q contains a path separator", errors.ErrInvalidConfig, suffix),
			"Catalog", "New", "validate suffix")
	}
	return &Catalog{root: root, suffix: suffix}, nil
}

// Root returns the scanned directory
func (c *Catalog) Root() string { return c.root }

// Suffix returns the dataset name suffix
func (c *Catalog) Suffix() string { return c.suffix }

// List returns the sorted stems of every entry in the root whose name ends
// with the suffix. Stems the engine would refuse to open are skipped, so
// every listed name is openable. No matches is an empty slice, not an
// error; an error means the root itself could not be read.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"Catalog", "List", "read dataset root")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		stem, ok := strings.CutSuffix(entry.Name(), c.suffix)
		if !ok || dataset.ValidateName(stem) != nil {
			continue
		}
		names = append(names, stem)
	}
	sort.Strings(names)
	return names, nil
}
