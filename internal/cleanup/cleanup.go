// Package cleanup removes duplicate rows that natural-key reconciliation can
// leave behind: several completions of one habit on one day, repeated
// habit/routine links and repeated routine completions.
package cleanup

import (
	"context"
	"fmt"

	"github.com/hyperengineering/cadence/internal/store"
	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
)

// Tables are the tables cleaned, each grouped by its natural key.
var Tables = []string{
	types.TableCompletions,
	types.TableHabitRoutines,
	types.TableRoutineCompletions,
}

// Result lists the ids removed per table.
type Result struct {
	Removed map[string][]string
}

// Total is the number of records removed.
func (r Result) Total() int {
	n := 0
	for _, ids := range r.Removed {
		n += len(ids)
	}
	return n
}

// Run deletes every duplicate in one transaction. Within a group the earliest
// created record survives; ties go to the smallest id. Running it again
// without new duplicates removes nothing.
func Run(ctx context.Context, db store.DB) (Result, error) {
	res := Result{Removed: make(map[string][]string)}
	err := db.WithTx(ctx, func(conn *store.Conn) error {
		for _, table := range Tables {
			dups, err := duplicates(ctx, conn, table)
			if err != nil {
				return err
			}
			if len(dups) == 0 {
				continue
			}
			if err := conn.BulkDelete(ctx, table, dups); err != nil {
				return err
			}
			if err := conn.ForgetSynced(ctx, table, dups...); err != nil {
				return err
			}
			res.Removed[table] = dups
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("cleanup: %w", err)
	}
	return res, nil
}

// Count reports how many records Run would remove from each table, without
// changing anything. Tables without duplicates are reported as zero.
func Count(ctx context.Context, db store.Records) (map[string]int, error) {
	out := make(map[string]int, len(Tables))
	for _, table := range Tables {
		dups, err := duplicates(ctx, db, table)
		if err != nil {
			return nil, fmt.Errorf("count duplicates: %w", err)
		}
		out[table] = len(dups)
	}
	return out, nil
}

// duplicates returns the ids of every record that is not the survivor of its
// natural-key group.
func duplicates(ctx context.Context, db store.Records, table string) ([]string, error) {
	desc, err := cadencesync.Lookup(table)
	if err != nil {
		return nil, err
	}
	recs, err := db.Query(ctx, table, store.Query{OrderBy: []string{"created_at", "id"}})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recs))
	var dups []string
	for _, rec := range recs {
		key, ok := desc.Key(rec)
		if !ok {
			continue
		}
		if seen[key] {
			dups = append(dups, rec.ID())
			continue
		}
		seen[key] = true
	}
	return dups, nil
}
