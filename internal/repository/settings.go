package repository

import (
	"context"

	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
	"github.com/hyperengineering/cadence/internal/validation"
)

// SettingsRepo persists the one UserSettings record per owner.
type SettingsRepo struct {
	crud[types.UserSettings, *types.UserSettings]
}

func validateSettings(s *types.UserSettings) error {
	var c validation.Collector
	c.Add(validation.ValidateEnum("theme", string(s.Theme), types.Themes))
	validation.ValidateText(&c, "display_name", s.DisplayName, 100)
	c.Add(validation.ValidateRange("week_starts_on", s.WeekStartsOn, 0, 6))
	c.Add(validation.ValidateEnum("default_category", string(s.DefaultCategory), types.HabitCategories))
	c.Add(validation.ValidateMin("xp", s.XP, 0))
	c.Add(validation.ValidateMin("level", s.Level, 1))
	c.Add(validation.ValidateMin("gems", s.Gems, 0))
	c.Add(validation.ValidateMin("streak_shield", s.StreakShield, 0))
	return c.Err()
}

// DefaultSettings returns the settings a new owner starts with.
func DefaultSettings(owner string) types.UserSettings {
	s := types.UserSettings{
		Theme:           types.ThemeSystem,
		WeekStartsOn:    1,
		DefaultCategory: types.CategoryOther,
		Level:           1,
	}
	s.OwnerID = owner
	return s
}

// ForOwner returns the owner's settings, or ErrNotFound.
func (r *SettingsRepo) ForOwner(ctx context.Context, owner string) (types.UserSettings, error) {
	found, err := r.query(ctx, r.db, store.Query{Where: ownerWhere(owner), Limit: 1})
	if err != nil {
		return types.UserSettings{}, err
	}
	if len(found) == 0 {
		return types.UserSettings{}, ErrNotFound
	}
	return found[0], nil
}

// Ensure returns the owner's settings, creating defaults on first use.
// The bool reports whether a record was created.
func (r *SettingsRepo) Ensure(ctx context.Context, owner string) (types.UserSettings, bool, error) {
	var (
		out     types.UserSettings
		created bool
	)
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		found, err := r.query(ctx, conn, store.Query{Where: ownerWhere(owner), Limit: 1})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			out = found[0]
			return nil
		}
		out, err = r.createIn(ctx, conn, DefaultSettings(owner))
		created = err == nil
		return err
	})
	return out, created, err
}
