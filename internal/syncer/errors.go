package syncer

import (
	"errors"
	"log/slog"
)

// ErrNoIdentity is returned when an operation needs a signed-in owner and
// there is none.
var ErrNoIdentity = errors.New("no signed-in identity")

// ConflictResolution describes a local record that lost to a remote record
// with the same natural key. Edits made to the loser are discarded.
type ConflictResolution struct {
	Table       string
	LocalID     string
	CanonicalID string
	// LocalNewer is set when the discarded local copy was modified after the
	// canonical record.
	LocalNewer bool
}

// LogValue implements slog.LogValuer.
func (c ConflictResolution) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("table", c.Table),
		slog.String("local_id", c.LocalID),
		slog.String("canonical_id", c.CanonicalID),
		slog.Bool("local_newer", c.LocalNewer),
	)
}
