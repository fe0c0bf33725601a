// Package main implements vfimport, which converts an exported JSON document
// into a dataset store that vfserver can browse.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tj-corona/vortexfinder2/catalog"
	"github.com/tj-corona/vortexfinder2/dataset"
)

const appName = "vfimport"

// Set via ldflags at build time
var Version = "dev"

// importFlags holds the command-line configuration
type importFlags struct {
	In       string
	Root     string
	Name     string
	Suffix   string
	LogLevel string
}

// document is the JSON layout accepted on input
type document struct {
	DataInfo json.RawMessage   `json:"dataInfo"`
	Events   json.RawMessage   `json:"events"`
	Frames   []json.RawMessage `json:"frames"`
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stderr); err != nil {
		slog.Error("Import failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stderr io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags, err := parseFlags(fs, args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: parseLevel(flags.LogLevel),
	})).With("service", appName, "version", Version)
	slog.SetDefault(logger)

	src, err := readSource(flags.In, stdin)
	if err != nil {
		return err
	}
	src.Name = flags.Name

	path := filepath.Join(flags.Root, flags.Name+flags.Suffix)
	logger.Debug("Writing dataset", "path", path, "frames", len(src.Frames))

	manifest, err := dataset.Create(path, src)
	if err != nil {
		return err
	}

	logger.Info("Dataset imported",
		"name", manifest.Name,
		"path", path,
		"frames", manifest.Frames)
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*importFlags, error) {
	flags := &importFlags{}
	fs.StringVar(&flags.In, "in", "-", "Input JSON document, - for stdin")
	fs.StringVar(&flags.Root, "root", ".", "Catalog root directory")
	fs.StringVar(&flags.Name, "name", "", "Dataset name (required)")
	fs.StringVar(&flags.Suffix, "suffix", catalog.DefaultSuffix, "Dataset directory suffix")
	fs.StringVar(&flags.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if flags.Name == "" {
		return nil, fmt.Errorf("-name is required")
	}
	if err := dataset.ValidateName(flags.Name); err != nil {
		return nil, err
	}
	if flags.Suffix == "" || strings.ContainsAny(flags.Suffix, `/\`) {
		return nil, fmt.Errorf("invalid suffix: %q", flags.Suffix)
	}
	if flags.Root == "" {
		return nil, fmt.Errorf("-root cannot be empty")
	}
	return flags, nil
}

// readSource decodes the input document from a file or, for "-", from stdin
func readSource(in string, stdin io.Reader) (dataset.Source, error) {
	var r io.Reader = stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			return dataset.Source{}, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var doc document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return dataset.Source{}, fmt.Errorf("decode input: %w", err)
	}

	if len(doc.Events) == 0 {
		doc.Events = json.RawMessage(`[]`)
	}

	return dataset.Source{
		DataInfo: doc.DataInfo,
		Events:   doc.Events,
		Frames:   doc.Frames,
	}, nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
