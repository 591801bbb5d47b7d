package backend

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidRecord = errors.New("invalid record")
	// ErrOwnerMismatch is returned when a write targets a record id held by
	// another owner.
	ErrOwnerMismatch = errors.New("record belongs to another owner")
)
