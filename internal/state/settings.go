package state

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hyperengineering/cadence/internal/repository"
	"github.com/hyperengineering/cadence/internal/types"
)

// SettingsSnapshot holds the owner's settings. Loaded is false until a
// settings record exists.
type SettingsSnapshot struct {
	Settings types.UserSettings
	Loaded   bool
}

// SettingsStore holds the owner's settings.
type SettingsStore struct {
	*core[SettingsSnapshot]
	repos *repository.Repositories
}

// NewSettingsStore returns an empty store; call Load.
func NewSettingsStore(repos *repository.Repositories, syncer Syncer, logger *slog.Logger) *SettingsStore {
	s := &SettingsStore{repos: repos}
	s.core = newCore(syncer, logger, "settings", []string{types.TableUserSettings}, s.read)
	return s
}

func (s *SettingsStore) read(ctx context.Context, owner string) (SettingsSnapshot, error) {
	settings, err := s.repos.Settings.ForOwner(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return SettingsSnapshot{Settings: repository.DefaultSettings(owner)}, nil
	}
	if err != nil {
		return SettingsSnapshot{}, err
	}
	return SettingsSnapshot{Settings: settings, Loaded: true}, nil
}

// Ensure creates default settings for the loaded owner when none exist.
func (s *SettingsStore) Ensure(ctx context.Context) (types.UserSettings, error) {
	settings, created, err := s.repos.Settings.Ensure(ctx, s.Owner())
	if err != nil || !created {
		return settings, err
	}
	return settings, s.committed(ctx, types.TableUserSettings, settings.ID)
}

// Update edits the loaded owner's settings, creating them first if needed.
func (s *SettingsStore) Update(ctx context.Context, mutate func(*types.UserSettings)) (types.UserSettings, error) {
	current, err := s.Ensure(ctx)
	if err != nil {
		return current, err
	}
	updated, err := s.repos.Settings.Update(ctx, current.ID, mutate)
	if err != nil {
		return updated, err
	}
	return updated, s.committed(ctx, types.TableUserSettings, updated.ID)
}
