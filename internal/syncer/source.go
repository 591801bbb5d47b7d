package syncer

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/cadence/internal/store"
)

// EnsureSourceID returns this device's source id, generating and persisting a
// ULID on first use. The backend stamps it on change events so the device can
// recognise its own writes.
func EnsureSourceID(ctx context.Context, db *store.Store) (string, error) {
	id, err := db.GetMeta(ctx, store.MetaSourceID)
	if err != nil {
		return "", fmt.Errorf("read source id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = ulid.Make().String()
	if err := db.SetMeta(ctx, store.MetaSourceID, id); err != nil {
		return "", fmt.Errorf("save source id: %w", err)
	}
	return id, nil
}
