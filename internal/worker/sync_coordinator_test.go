package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/cadence/internal/syncer"
)

type mockSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockSweeper) SyncAll(ctx context.Context) (syncer.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return syncer.Report{Tables: map[string]*syncer.TableReport{"habits": {Pushed: 1}}}, m.err
}

func (m *mockSweeper) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestSyncCoordinator_SweepsImmediatelyAndOnInterval(t *testing.T) {
	sw := &mockSweeper{}
	coord := NewSyncCoordinator(sw, 20*time.Millisecond, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sw.getCalls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if calls := sw.getCalls(); calls < 3 {
		t.Errorf("SyncAll calls = %d, want at least 3", calls)
	}
}

func TestSyncCoordinator_SignedOutKeepsRunning(t *testing.T) {
	sw := &mockSweeper{err: syncer.ErrNoIdentity}
	coord := NewSyncCoordinator(sw, 10*time.Millisecond, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sw.getCalls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if calls := sw.getCalls(); calls < 2 {
		t.Errorf("SyncAll calls = %d, want sweeps to continue while signed out", calls)
	}
}
