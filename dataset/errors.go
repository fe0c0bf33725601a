package dataset

import (
	stderrors "errors"

	"github.com/tj-corona/vortexfinder2/errors"
)

// Dataset errors. Callers match them with errors.Is.
var (
	ErrDatasetNotFound = stderrors.New("dataset not found")
	ErrInvalidName     = stderrors.New("invalid dataset name")
	ErrFrameOutOfRange = stderrors.New("frame index out of range")
	ErrHandleClosed    = stderrors.New("dataset handle closed")
	ErrDatasetExists   = errors.ErrAlreadyExists

	// ErrDataCorrupted is shared with the errors package so IsFatal recognises it
	ErrDataCorrupted = errors.ErrDataCorrupted
)
