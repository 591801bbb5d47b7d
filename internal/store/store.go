package store

import (
	"context"

	"github.com/hyperengineering/cadence/internal/types"
)

// Records is the record API shared by Store and transaction-bound Conns.
type Records interface {
	Get(ctx context.Context, table, id string) (types.Record, error)
	Query(ctx context.Context, table string, q Query) ([]types.Record, error)
	Put(ctx context.Context, table string, rec types.Record) error
	BulkPut(ctx context.Context, table string, recs []types.Record) error
	Delete(ctx context.Context, table, id string) error
	BulkDelete(ctx context.Context, table string, ids []string) error
}

// DB is a Records that can also run a transaction.
type DB interface {
	Records
	WithTx(ctx context.Context, fn func(*Conn) error) error
}

var (
	_ Records = (*Conn)(nil)
	_ DB      = (*Store)(nil)
)
