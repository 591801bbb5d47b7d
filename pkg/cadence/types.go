package cadence

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/cadence/internal/cleanup"
	"github.com/hyperengineering/cadence/internal/state"
	"github.com/hyperengineering/cadence/internal/syncer"
)

// Config holds the client configuration.
type Config struct {
	DatabasePath string        // Local SQLite database path
	ServerURL    string        // Sync server base URL
	Token        string        // Bearer token for the sync server
	SyncInterval time.Duration // Periodic sweep interval; 0 disables it
	QueueShards  int           // Background push workers (default: 4)
	QueueDepth   int           // Pending pushes per worker (default: 256)
	Retries      uint64        // Retries for transient request failures (default: 3)

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type (
	Status        = syncer.Status
	Report        = syncer.Report
	CleanupResult = cleanup.Result

	HabitStore    = state.HabitStore
	GoalStore     = state.GoalStore
	RoutineStore  = state.RoutineStore
	TaskStore     = state.TaskStore
	SettingsStore = state.SettingsStore
)
