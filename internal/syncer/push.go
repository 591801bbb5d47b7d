package syncer

import (
	"context"
	"fmt"

	"github.com/hyperengineering/cadence/internal/store"
	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
)

// PushRecord sends the local copy of one record to the backend. A record that
// no longer exists locally is skipped. When the backend holds a newer
// version, that version is written locally instead.
func (e *Engine) PushRecord(ctx context.Context, table, id string) error {
	if _, err := e.requireOwner(); err != nil {
		return err
	}
	if _, err := cadencesync.Lookup(table); err != nil {
		return err
	}
	mu := e.tableMu[table]
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.db.Get(ctx, table, id)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.push(ctx, table, rec)
	return err
}

// DeleteRecord removes a record from the backend. The delete is remembered
// as a tombstone until the backend acknowledges it, so an offline delete is
// retried by the next sweep instead of being undone by it.
func (e *Engine) DeleteRecord(ctx context.Context, table, id string) error {
	owner, err := e.requireOwner()
	if err != nil {
		return err
	}
	if _, err := cadencesync.Lookup(table); err != nil {
		return err
	}
	mu := e.tableMu[table]
	mu.Lock()
	defer mu.Unlock()
	return e.deleteRemote(ctx, owner, table, id)
}

// PushAsync queues PushRecord. Without a signed-in owner it does nothing: the
// record is picked up by the first sweep after login.
func (e *Engine) PushAsync(table, id string) {
	e.async("push", table, id, e.PushRecord)
}

// DeleteAsync tombstones id and queues DeleteRecord. The tombstone is written
// before returning, signed in or not, so a dropped or unsent job is retried
// by the next sweep instead of the remote copy being pulled back.
func (e *Engine) DeleteAsync(table, id string) {
	if _, err := cadencesync.Lookup(table); err != nil {
		e.logger.Warn("delete of unsynced table ignored", "action", "delete_dropped", "table", table, "record_id", id)
		return
	}
	if err := e.db.AddTombstone(context.Background(), table, id, e.Owner()); err != nil {
		e.logger.Error("could not record pending delete",
			"action", "tombstone_failed",
			"table", table,
			"record_id", id,
			"error", err,
		)
	}
	e.async("delete", table, id, e.DeleteRecord)
}

func (e *Engine) async(op, table, id string, fn func(context.Context, string, string) error) {
	if e.Owner() == "" {
		return
	}
	job := func(ctx context.Context) {
		if err := fn(ctx, table, id); err != nil {
			e.logger.Warn("background "+op+" failed",
				"action", op+"_failed",
				"table", table,
				"record_id", id,
				"error", err,
			)
		}
	}
	if e.queue == nil {
		e.Background(job)
		return
	}
	if !e.queue.Submit(table+"/"+id, job) {
		e.logger.Warn("sync queue full; change left for the next sweep",
			"action", op+"_dropped",
			"table", table,
			"record_id", id,
		)
	}
}

// ApplyRemoteDelete removes a record deleted on another device.
func (e *Engine) ApplyRemoteDelete(ctx context.Context, table, id string) error {
	if _, err := cadencesync.Lookup(table); err != nil {
		return err
	}
	mu := e.tableMu[table]
	mu.Lock()
	err := e.db.WithTx(ctx, func(conn *store.Conn) error {
		if err := conn.Delete(ctx, table, id); err != nil {
			return err
		}
		if err := conn.ForgetSynced(ctx, table, id); err != nil {
			return err
		}
		return conn.RemoveTombstone(ctx, table, id)
	})
	mu.Unlock()
	if err != nil {
		return err
	}
	e.notify(table)
	return nil
}

// push upserts rec and reconciles the answer: a rejected older write pulls
// the newer remote version. The caller holds the table lock.
func (e *Engine) push(ctx context.Context, table string, rec types.Record) (types.Record, error) {
	stored, applied, err := e.backend.Upsert(ctx, table, rec)
	if err != nil {
		return nil, err
	}
	if !applied && stored != nil && types.NewerThan(stored, rec) {
		if _, _, err := e.writeBack(ctx, table, stored); err != nil {
			return nil, err
		}
		e.notify(table)
		return stored, nil
	}
	if err := e.db.MarkSynced(ctx, table, rec.ID()); err != nil {
		return nil, err
	}
	if stored == nil {
		stored = rec
	}
	return stored, nil
}

// deleteRemote tombstones id and deletes it remotely. The caller holds the
// table lock.
func (e *Engine) deleteRemote(ctx context.Context, owner, table, id string) error {
	if err := e.db.AddTombstone(ctx, table, id, owner); err != nil {
		return err
	}
	if err := e.backend.Delete(ctx, table, id); err != nil {
		if nerr := e.db.NoteTombstoneFailure(ctx, table, id, err); nerr != nil {
			e.logger.Warn("could not record failed delete", "action", "tombstone_note_failed", "error", nerr)
		}
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return e.db.WithTx(ctx, func(conn *store.Conn) error {
		if err := conn.RemoveTombstone(ctx, table, id); err != nil {
			return err
		}
		return conn.ForgetSynced(ctx, table, id)
	})
}

// Typed pushes and deletes, one pair per entity.

func (e *Engine) PushHabit(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableHabits, id)
}

func (e *Engine) DeleteHabit(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableHabits, id)
}

func (e *Engine) PushCompletion(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableCompletions, id)
}

func (e *Engine) DeleteCompletion(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableCompletions, id)
}

func (e *Engine) PushGoal(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableGoals, id)
}

func (e *Engine) DeleteGoal(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableGoals, id)
}

func (e *Engine) PushMilestone(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableMilestones, id)
}

func (e *Engine) DeleteMilestone(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableMilestones, id)
}

func (e *Engine) PushRoutine(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableRoutines, id)
}

func (e *Engine) DeleteRoutine(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableRoutines, id)
}

func (e *Engine) PushHabitRoutine(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableHabitRoutines, id)
}

func (e *Engine) DeleteHabitRoutine(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableHabitRoutines, id)
}

func (e *Engine) PushRoutineCompletion(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableRoutineCompletions, id)
}

func (e *Engine) DeleteRoutineCompletion(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableRoutineCompletions, id)
}

func (e *Engine) PushTask(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableTasks, id)
}

func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableTasks, id)
}

func (e *Engine) PushSettings(ctx context.Context, id string) error {
	return e.PushRecord(ctx, types.TableUserSettings, id)
}

func (e *Engine) DeleteSettings(ctx context.Context, id string) error {
	return e.DeleteRecord(ctx, types.TableUserSettings, id)
}
