package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrMissingID    = errors.New("record has no id")
)

// OpenError reports that the local store could not be opened or migrated.
// It is fatal to startup and is distinct from errors returned by record
// operations on an open store.
type OpenError struct {
	Path    string
	Version int64
	Err     error
}

func (e *OpenError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("open local store %s (schema version %d): %v", e.Path, e.Version, e.Err)
	}
	return fmt.Sprintf("open local store %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }
