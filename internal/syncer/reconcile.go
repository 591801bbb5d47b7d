package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/hyperengineering/cadence/internal/cleanup"
	"github.com/hyperengineering/cadence/internal/remote"
	"github.com/hyperengineering/cadence/internal/store"
	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
)

// TableReport counts what one table's reconciliation did.
type TableReport struct {
	Table string
	// Pushed records were written to the backend.
	Pushed int
	// Pulled records were written locally from the backend.
	Pulled int
	// Deleted records were removed locally because the backend no longer holds them.
	Deleted int
	// Merged records were local or remote duplicates folded into a canonical record.
	Merged int
	// Tombstones is the number of pending remote deletes flushed.
	Tombstones int
	Err        error
}

// Report is the outcome of a full sweep.
type Report struct {
	Tables   map[string]*TableReport
	Cleanup  cleanup.Result
	Started  time.Time
	Finished time.Time
}

// Err combines the per-table errors in reconciliation order.
func (r Report) Err() error {
	var err error
	for _, name := range cadencesync.TableNames() {
		if t, ok := r.Tables[name]; ok && t.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, t.Err))
		}
	}
	return err
}

// SyncAll reconciles every table, parents before children, then removes
// duplicate rows locally and remotely. A failing table is reported and the
// sweep moves on. Concurrent calls share one sweep.
func (e *Engine) SyncAll(ctx context.Context) (Report, error) {
	owner, err := e.requireOwner()
	if err != nil {
		return Report{}, err
	}
	v, err, shared := e.sweeps.Do("sync-all", func() (any, error) {
		rep := e.syncAll(ctx, owner)
		return rep, rep.Err()
	})
	if shared {
		e.logger.Debug("sync joined a sweep in progress", "action", "sync_coalesced")
	}
	return v.(Report), err
}

func (e *Engine) syncAll(ctx context.Context, owner string) Report {
	rep := Report{Tables: make(map[string]*TableReport), Started: e.now().UTC()}
	e.setStatus(func(s *Status) {
		s.State = StateSyncing
		s.LastStarted = rep.Started
	})
	e.logger.Info("sync started", "action", "sync_start", "owner_id", owner)

	for _, t := range cadencesync.Tables {
		if ctx.Err() != nil {
			rep.Tables[t.Name] = &TableReport{Table: t.Name, Err: ctx.Err()}
			continue
		}
		tr := e.pullLocked(ctx, owner, t)
		rep.Tables[t.Name] = tr
		if tr.Err != nil {
			e.logger.Warn("table sync failed",
				"action", "table_sync_failed",
				"table", t.Name,
				"error", tr.Err,
			)
		}
	}

	if ctx.Err() == nil {
		res, err := cleanup.Run(ctx, e.db)
		if err != nil {
			e.logger.Warn("duplicate cleanup failed", "action", "cleanup_failed", "error", err)
		} else {
			rep.Cleanup = res
			e.deleteCleaned(ctx, owner, res)
		}
	}

	rep.Finished = e.now().UTC()
	err := rep.Err()
	if err == nil {
		if merr := e.db.SetMeta(ctx, store.MetaLastFullSync, types.FormatTime(rep.Finished)); merr != nil {
			e.logger.Warn("could not record sync time", "action", "sync_meta_failed", "error", merr)
		}
	}
	e.setStatus(func(s *Status) {
		s.LastFinished = rep.Finished
		if err != nil {
			s.State = StateError
			s.LastError = err.Error()
			return
		}
		s.State = StateSuccess
		s.LastError = ""
	})
	e.logger.Info("sync finished",
		"action", "sync_complete",
		"owner_id", owner,
		"duration", rep.Finished.Sub(rep.Started),
		"cleaned", rep.Cleanup.Total(),
		"failed", err != nil,
	)
	return rep
}

func (e *Engine) deleteCleaned(ctx context.Context, owner string, res cleanup.Result) {
	for table, ids := range res.Removed {
		mu := e.tableMu[table]
		mu.Lock()
		for _, id := range ids {
			if err := e.deleteRemote(ctx, owner, table, id); err != nil {
				e.logger.Warn("remote delete of duplicate failed; tombstone kept",
					"action", "cleanup_delete_failed",
					"table", table,
					"record_id", id,
					"error", err,
				)
			}
		}
		mu.Unlock()
		e.notify(table)
	}
}

// PullTable reconciles a single table: the targeted pull used by the
// realtime listener.
func (e *Engine) PullTable(ctx context.Context, table string) (*TableReport, error) {
	owner, err := e.requireOwner()
	if err != nil {
		return nil, err
	}
	t, err := cadencesync.Lookup(table)
	if err != nil {
		return nil, err
	}
	tr := e.pullLocked(ctx, owner, t)
	return tr, tr.Err
}

func (e *Engine) pullLocked(ctx context.Context, owner string, t cadencesync.Table) *TableReport {
	mu := e.tableMu[t.Name]
	mu.Lock()
	defer mu.Unlock()

	tr := &TableReport{Table: t.Name}
	tr.Err = e.reconcile(ctx, owner, t, tr)
	if tr.Pulled > 0 || tr.Deleted > 0 || tr.Merged > 0 {
		e.notify(t.Name)
	}
	return tr
}

// reconcile brings one table into agreement with the backend. The caller
// holds the table lock.
func (e *Engine) reconcile(ctx context.Context, owner string, t cadencesync.Table, tr *TableReport) error {
	// 1. Deletes that have not reached the backend yet.
	pending, err := e.flushTombstones(ctx, owner, t.Name, tr)
	if err != nil {
		return err
	}

	// 2. The owner's live remote records.
	remoteRecs, err := e.backend.Select(ctx, t.Name, remote.Filter{OwnerID: owner})
	if err != nil {
		return err
	}

	// 3. Point remote children of merged parents at the canonical parents.
	var errs error
	remoteRecs, err = e.applyRedirects(ctx, t.Name, remoteRecs, tr)
	errs = multierr.Append(errs, err)

	// Records we are still trying to delete stay deleted.
	live := remoteRecs[:0]
	for _, rec := range remoteRecs {
		if !pending[rec.ID()] {
			live = append(live, rec)
		}
	}
	remoteRecs = live

	// 4. Natural-key index. Within the remote set itself the earliest created
	// record is canonical and the rest are folded into it.
	sortCanonical(remoteRecs)
	byKey := make(map[string]types.Record)
	byID := make(map[string]types.Record, len(remoteRecs))
	var winners []types.Record
	for _, rec := range remoteRecs {
		if key, ok := t.Key(rec); ok {
			if canonical, dup := byKey[key]; dup {
				errs = multierr.Append(errs, e.mergeRemoteDuplicate(ctx, owner, t, rec, canonical, tr))
				continue
			}
			byKey[key] = rec
		}
		byID[rec.ID()] = rec
		winners = append(winners, rec)
	}

	// 5. Every local record of the owner.
	locals, err := e.db.Query(ctx, t.Name, store.Query{Where: map[string]any{"owner_id": owner}})
	if err != nil {
		return multierr.Append(errs, err)
	}
	ledger, err := e.db.SyncedIDs(ctx, t.Name)
	if err != nil {
		return multierr.Append(errs, err)
	}

	var missing []types.Record
	for _, local := range locals {
		id := local.ID()
		if pending[id] {
			continue
		}
		if r, ok := byID[id]; ok {
			if types.NewerThan(local, r) {
				stored, perr := e.push(ctx, t.Name, local)
				if perr != nil {
					errs = multierr.Append(errs, perr)
					continue
				}
				tr.Pushed++
				byID[id] = stored
			}
			continue
		}
		if ledger[id] {
			missing = append(missing, local)
			continue
		}
		if key, ok := t.Key(local); ok && !remote.IsArchived(t.Name, local) {
			if canonical, found := byKey[key]; found {
				errs = multierr.Append(errs, e.mergeLocalDuplicate(ctx, owner, t, local, canonical, tr))
				continue
			}
		}
		stored, perr := e.push(ctx, t.Name, local)
		if perr != nil {
			errs = multierr.Append(errs, perr)
			continue
		}
		tr.Pushed++
		if key, ok := t.Key(stored); ok && !remote.IsArchived(t.Name, stored) {
			byKey[key] = stored
		}
	}

	// Synced before but not live remotely: archived there, or deleted.
	errs = multierr.Append(errs, e.resolveMissing(ctx, t.Name, missing, tr))

	// 6. Write back every canonical remote record, newer local copies win.
	for _, rec := range winners {
		rec = byID[rec.ID()]
		errs = multierr.Append(errs, e.writeBackOrPush(ctx, t.Name, rec, tr))
	}
	return errs
}

// flushTombstones retries pending remote deletes and returns the ids that
// are still pending.
func (e *Engine) flushTombstones(ctx context.Context, owner, table string, tr *TableReport) (map[string]bool, error) {
	tombs, err := e.db.Tombstones(ctx, table)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool)
	for _, tomb := range tombs {
		if tomb.OwnerID != "" && tomb.OwnerID != owner {
			continue
		}
		if err := e.backend.Delete(ctx, table, tomb.RecordID); err != nil {
			pending[tomb.RecordID] = true
			if nerr := e.db.NoteTombstoneFailure(ctx, table, tomb.RecordID, err); nerr != nil {
				return nil, nerr
			}
			e.logger.Debug("pending delete still failing",
				"action", "tombstone_retry_failed",
				"table", table,
				"record_id", tomb.RecordID,
				"attempts", tomb.Attempts+1,
				"error", err,
			)
			continue
		}
		if err := e.db.RemoveTombstone(ctx, table, tomb.RecordID); err != nil {
			return nil, err
		}
		if err := e.db.ForgetSynced(ctx, table, tomb.RecordID); err != nil {
			return nil, err
		}
		tr.Tombstones++
	}
	return pending, nil
}

// applyRedirects rewrites foreign keys of remote records that still point at
// parents merged away earlier in this session, and pushes the fix.
func (e *Engine) applyRedirects(ctx context.Context, table string, recs []types.Record, tr *TableReport) ([]types.Record, error) {
	var errs error
	for _, parent := range cadencesync.Parents(table) {
		redirects := e.redirectsFor(parent.Table)
		if len(redirects) == 0 {
			continue
		}
		for i, rec := range recs {
			to, ok := redirects[rec.String(parent.Column)]
			if !ok {
				continue
			}
			fixed := rec.Clone()
			fixed[parent.Column] = to
			fixed["updated_at"] = types.FormatTime(e.now())
			stored, err := e.push(ctx, table, fixed)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			tr.Pushed++
			recs[i] = stored
		}
	}
	return recs, errs
}

// mergeRemoteDuplicate folds a remote record into the canonical record with
// the same natural key: local children move to the canonical parent and the
// duplicate is deleted on both sides.
func (e *Engine) mergeRemoteDuplicate(ctx context.Context, owner string, t cadencesync.Table, dup, canonical types.Record, tr *TableReport) error {
	var errs error
	errs = multierr.Append(errs, e.reparent(ctx, t, dup.ID(), canonical.ID()))
	e.redirect(t.Name, dup.ID(), canonical.ID())
	if err := e.db.WithTx(ctx, func(conn *store.Conn) error {
		if err := conn.Delete(ctx, t.Name, dup.ID()); err != nil {
			return err
		}
		return conn.ForgetSynced(ctx, t.Name, dup.ID())
	}); err != nil {
		return multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, e.deleteRemote(ctx, owner, t.Name, dup.ID()))
	tr.Merged++
	e.logger.Info("remote duplicate removed",
		"action", "remote_duplicate_merged",
		"table", t.Name,
		"duplicate_id", dup.ID(),
		"canonical_id", canonical.ID(),
	)
	return errs
}

// mergeLocalDuplicate resolves a never-synced local record whose natural key
// is already held remotely under another id. The remote record wins.
func (e *Engine) mergeLocalDuplicate(ctx context.Context, owner string, t cadencesync.Table, local, canonical types.Record, tr *TableReport) error {
	var errs error
	errs = multierr.Append(errs, e.reparent(ctx, t, local.ID(), canonical.ID()))
	e.redirect(t.Name, local.ID(), canonical.ID())
	if err := e.db.Delete(ctx, t.Name, local.ID()); err != nil {
		return multierr.Append(errs, err)
	}
	tr.Merged++
	e.logger.Warn("local duplicate replaced by remote record",
		"action", "conflict_resolved",
		"conflict", ConflictResolution{
			Table:       t.Name,
			LocalID:     local.ID(),
			CanonicalID: canonical.ID(),
			LocalNewer:  types.NewerThan(local, canonical),
		},
	)
	return errs
}

// reparent moves every local child of oldID to newID and pushes each child.
// A failed push is left for the child table's own reconciliation.
func (e *Engine) reparent(ctx context.Context, t cadencesync.Table, oldID, newID string) error {
	var moved []struct {
		table string
		rec   types.Record
	}
	now := types.FormatTime(e.now())
	err := e.db.WithTx(ctx, func(conn *store.Conn) error {
		for _, child := range t.Children {
			recs, err := conn.Query(ctx, child.Table, store.Query{Where: map[string]any{child.Column: oldID}})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				rec[child.Column] = newID
				rec["updated_at"] = now
				if err := conn.Put(ctx, child.Table, rec); err != nil {
					return err
				}
				moved = append(moved, struct {
					table string
					rec   types.Record
				}{child.Table, rec})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("re-parent %s %s: %w", t.Name, oldID, err)
	}
	for _, m := range moved {
		if _, err := e.push(ctx, m.table, m.rec); err != nil {
			e.logger.Debug("re-parented child not pushed yet",
				"action", "reparent_push_deferred",
				"table", m.table,
				"record_id", m.rec.ID(),
				"error", err,
			)
		}
		e.notify(m.table)
	}
	return nil
}

// resolveMissing looks up, including archived records, every local record the
// backend held before but no longer lists. Found records reconcile by
// updated_at; the rest were deleted remotely and are deleted here.
func (e *Engine) resolveMissing(ctx context.Context, table string, missing []types.Record, tr *TableReport) error {
	if len(missing) == 0 {
		return nil
	}
	ids := make([]string, len(missing))
	for i, rec := range missing {
		ids[i] = rec.ID()
	}
	found, err := e.backend.Select(ctx, table, remote.Filter{IDs: ids, IncludeArchived: true})
	if err != nil {
		return err
	}
	byID := make(map[string]types.Record, len(found))
	for _, rec := range found {
		byID[rec.ID()] = rec
	}

	var errs error
	for _, local := range missing {
		if r, ok := byID[local.ID()]; ok {
			errs = multierr.Append(errs, e.writeBackOrPush(ctx, table, r, tr))
			continue
		}
		if err := e.db.WithTx(ctx, func(conn *store.Conn) error {
			if err := conn.Delete(ctx, table, local.ID()); err != nil {
				return err
			}
			return conn.ForgetSynced(ctx, table, local.ID())
		}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		tr.Deleted++
	}
	return errs
}

// writeBackOrPush stores a remote record locally unless the local copy is
// newer, in which case the local copy is pushed instead.
func (e *Engine) writeBackOrPush(ctx context.Context, table string, rec types.Record, tr *TableReport) error {
	localNewer, changed, err := e.writeBack(ctx, table, rec)
	if err != nil {
		return err
	}
	if changed {
		tr.Pulled++
	}
	if localNewer {
		local, err := e.db.Get(ctx, table, rec.ID())
		if err != nil {
			return err
		}
		if _, err := e.push(ctx, table, local); err != nil {
			return err
		}
		tr.Pushed++
	}
	return nil
}

// writeBack is the transactional newer-wins put. It reports whether the local
// copy was newer (and kept) and whether anything was written.
func (e *Engine) writeBack(ctx context.Context, table string, rec types.Record) (localNewer, changed bool, err error) {
	err = e.db.WithTx(ctx, func(conn *store.Conn) error {
		local, err := conn.Get(ctx, table, rec.ID())
		switch {
		case err == nil:
			if types.NewerThan(local, rec) {
				localNewer = true
				return nil
			}
			if !types.NewerThan(rec, local) {
				return conn.MarkSynced(ctx, table, rec.ID())
			}
		case !store.IsNotFound(err):
			return err
		}
		if err := conn.Put(ctx, table, rec); err != nil {
			return err
		}
		changed = true
		return conn.MarkSynced(ctx, table, rec.ID())
	})
	return localNewer, changed, err
}

// sortCanonical orders records so the canonical member of any natural-key
// group comes first: earliest created_at, then smallest id.
func sortCanonical(recs []types.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ci, cj := recs[i].Time("created_at"), recs[j].Time("created_at")
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return recs[i].ID() < recs[j].ID()
	})
}
