package store

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/cadence/internal/types"
)

func TestLedger_MarkForget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkSynced(ctx, types.TableHabits, "h1", "h2"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSynced(ctx, types.TableHabits, "h1"); err != nil {
		t.Fatalf("MarkSynced() twice error = %v", err)
	}
	if err := s.ForgetSynced(ctx, types.TableHabits, "h2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.SyncedIDs(ctx, types.TableHabits)
	if err != nil {
		t.Fatal(err)
	}
	if !got["h1"] || got["h2"] || len(got) != 1 {
		t.Errorf("SyncedIDs() = %v, want {h1}", got)
	}
	if ok, err := s.IsSynced(ctx, types.TableHabits, "h1"); err != nil || !ok {
		t.Errorf("IsSynced(h1) = %v, %v", ok, err)
	}
	if ok, _ := s.IsSynced(ctx, types.TableGoals, "h1"); ok {
		t.Error("IsSynced(goals, h1) = true")
	}
}

func TestTombstones_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddTombstone(ctx, types.TableGoals, "g1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.NoteTombstoneFailure(ctx, types.TableGoals, "g1", errors.New("offline")); err != nil {
		t.Fatal(err)
	}

	ts, err := s.Tombstones(ctx, types.TableGoals)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 1 || ts[0].RecordID != "g1" || ts[0].OwnerID != "u1" || ts[0].Attempts != 1 || ts[0].LastError != "offline" {
		t.Fatalf("Tombstones() = %+v", ts)
	}

	if err := s.RemoveTombstone(ctx, types.TableGoals, "g1"); err != nil {
		t.Fatal(err)
	}
	ts, _ = s.Tombstones(ctx, types.TableGoals)
	if len(ts) != 0 {
		t.Errorf("Tombstones() after remove = %d, want 0", len(ts))
	}
}

func TestMeta_SetGetClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if v, err := s.GetMeta(ctx, MetaOwnerID); err != nil || v != "" {
		t.Fatalf("GetMeta(unset) = %q, %v", v, err)
	}
	if err := s.SetMeta(ctx, MetaOwnerID, "u1"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMeta(ctx, MetaOwnerID); v != "u1" {
		t.Errorf("GetMeta() = %q, want u1", v)
	}
	if err := s.SetMeta(ctx, MetaOwnerID, ""); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMeta(ctx, MetaOwnerID); v != "" {
		t.Errorf("GetMeta() after clear = %q", v)
	}
}

func TestAdoptOwnerless(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphan := habitRecord("h1", "Pre-login")
	orphan["owner_id"] = nil
	if err := s.Put(ctx, types.TableHabits, orphan); err != nil {
		t.Fatal(err)
	}
	other := habitRecord("h2", "Someone else")
	other["owner_id"] = "u9"
	if err := s.Put(ctx, types.TableHabits, other); err != nil {
		t.Fatal(err)
	}

	n, err := s.AdoptOwnerless(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("AdoptOwnerless() = %d, want 1", n)
	}
	h2, _ := s.Get(ctx, types.TableHabits, "h2")
	if h2.OwnerID() != "u9" {
		t.Errorf("owned record was re-assigned to %q", h2.OwnerID())
	}
}
