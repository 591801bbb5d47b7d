// Package remote defines the backend the sync engine talks to and provides
// two implementations: an HTTP client for the cadence server and an
// in-process backend for tests and local development.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
)

// Filter narrows a Select or a subscription.
type Filter struct {
	// OwnerID restricts results to one owner. The HTTP client ignores it; the
	// server derives the owner from the API token.
	OwnerID string
	// IncludeArchived returns soft-deleted records as well.
	IncludeArchived bool
	// IDs restricts results to the given record ids.
	IDs []string
}

// SubscriptionID identifies a live change subscription.
type SubscriptionID string

// Handler receives change events. It is called from a backend goroutine, one
// event at a time per subscription.
type Handler func(sync.ChangeEvent)

// Backend is the remote record store.
type Backend interface {
	// Select returns the records of table matching f.
	Select(ctx context.Context, table string, f Filter) ([]types.Record, error)
	// Upsert stores rec unless the backend holds a newer version of it. It
	// returns the stored record and whether rec was applied.
	Upsert(ctx context.Context, table string, rec types.Record) (types.Record, bool, error)
	// Delete removes a record. Deleting a missing record succeeds.
	Delete(ctx context.Context, table, id string) error
	// Subscribe delivers change events for table until Unsubscribe or ctx ends.
	Subscribe(ctx context.Context, table string, f Filter, h Handler) (SubscriptionID, error)
	// Unsubscribe stops a subscription. Unknown ids are ignored.
	Unsubscribe(ctx context.Context, id SubscriptionID) error
}

// IdentityProvider resolves the authenticated owner. An empty owner with a nil
// error means nobody is signed in.
type IdentityProvider interface {
	Identity(ctx context.Context) (string, error)
}

// StaticIdentity is an IdentityProvider with a fixed owner.
type StaticIdentity string

// Identity returns the fixed owner.
func (s StaticIdentity) Identity(context.Context) (string, error) { return string(s), nil }

// IsArchived reports whether rec is soft-deleted: an archived flag, or a task
// in the archived column.
func IsArchived(table string, rec types.Record) bool {
	if rec.Bool("archived") {
		return true
	}
	return table == types.TableTasks && rec.String("status") == string(types.TaskArchived)
}

// TransientError is a failure worth retrying later: the network, a 5xx or a
// rate limit.
type TransientError struct {
	Op    string
	Table string
	ID    string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s %s: transient: %v", e.Op, e.Table, e.ID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError is a request the backend refused; retrying will not help.
type RejectionError struct {
	Op      string
	Table   string
	ID      string
	Status  int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s %s %s: rejected (%d): %s", e.Op, e.Table, e.ID, e.Status, e.Message)
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRejected reports whether err is, or wraps, a RejectionError.
func IsRejected(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
