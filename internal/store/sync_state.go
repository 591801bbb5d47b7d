package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/cadence/internal/types"
)

// Sync meta keys.
const (
	MetaOwnerID      = "owner_id"
	MetaSourceID     = "source_id"
	MetaLastFullSync = "last_full_sync"
)

// Tombstone is a local delete that the backend has not acknowledged yet.
type Tombstone struct {
	Table     string
	RecordID  string
	OwnerID   string
	DeletedAt time.Time
	Attempts  int
	LastError string
}

// MarkSynced records that the backend is known to hold each id.
func (c *Conn) MarkSynced(ctx context.Context, table string, ids ...string) error {
	now := types.FormatTime(time.Now())
	for _, id := range ids {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO sync_ledger (table_name, record_id, synced_at) VALUES (?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET synced_at = excluded.synced_at`,
			table, id, now)
		if err != nil {
			return fmt.Errorf("mark synced %s %s: %w", table, id, err)
		}
	}
	return nil
}

// ForgetSynced drops ledger entries, typically after the record was deleted.
func (c *Conn) ForgetSynced(ctx context.Context, table string, ids ...string) error {
	for _, id := range ids {
		if _, err := c.q.ExecContext(ctx,
			`DELETE FROM sync_ledger WHERE table_name = ? AND record_id = ?`, table, id,
		); err != nil {
			return fmt.Errorf("forget synced %s %s: %w", table, id, err)
		}
	}
	return nil
}

// SyncedIDs returns the ledger for one table as a set.
func (c *Conn) SyncedIDs(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT record_id FROM sync_ledger WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("query sync ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sync ledger: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// IsSynced reports whether the ledger holds id.
func (c *Conn) IsSynced(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_ledger WHERE table_name = ? AND record_id = ?`, table, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query sync ledger: %w", err)
	}
	return n > 0, nil
}

// AddTombstone records a pending remote delete. Re-adding resets nothing but the owner.
func (c *Conn) AddTombstone(ctx context.Context, table, id, ownerID string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO sync_tombstones (table_name, record_id, owner_id, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET owner_id = excluded.owner_id`,
		table, id, nullString(ownerID), types.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("add tombstone %s %s: %w", table, id, err)
	}
	return nil
}

// Tombstones lists pending deletes for table, oldest first.
func (c *Conn) Tombstones(ctx context.Context, table string) ([]Tombstone, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT table_name, record_id, owner_id, deleted_at, attempts, last_error
		FROM sync_tombstones WHERE table_name = ?
		ORDER BY deleted_at, record_id`, table)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var (
			t         Tombstone
			owner     sql.NullString
			deletedAt string
			lastErr   sql.NullString
		)
		if err := rows.Scan(&t.Table, &t.RecordID, &owner, &deletedAt, &t.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		t.OwnerID = owner.String
		t.LastError = lastErr.String
		t.DeletedAt, _ = time.Parse(time.RFC3339Nano, deletedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RemoveTombstone drops an acknowledged delete.
func (c *Conn) RemoveTombstone(ctx context.Context, table, id string) error {
	if _, err := c.q.ExecContext(ctx,
		`DELETE FROM sync_tombstones WHERE table_name = ? AND record_id = ?`, table, id,
	); err != nil {
		return fmt.Errorf("remove tombstone %s %s: %w", table, id, err)
	}
	return nil
}

// NoteTombstoneFailure counts a failed remote delete attempt.
func (c *Conn) NoteTombstoneFailure(ctx context.Context, table, id string, cause error) error {
	if _, err := c.q.ExecContext(ctx, `
		UPDATE sync_tombstones SET attempts = attempts + 1, last_error = ?
		WHERE table_name = ? AND record_id = ?`, cause.Error(), table, id,
	); err != nil {
		return fmt.Errorf("note tombstone failure %s %s: %w", table, id, err)
	}
	return nil
}

// GetMeta returns a sync meta value, or "" when unset.
func (c *Conn) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := c.q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a sync meta value. An empty value deletes the key.
func (c *Conn) SetMeta(ctx context.Context, key, value string) error {
	var err error
	if value == "" {
		_, err = c.q.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key)
	} else {
		_, err = c.q.ExecContext(ctx, `
			INSERT INTO sync_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	}
	if err != nil {
		return fmt.Errorf("set sync meta %s: %w", key, err)
	}
	return nil
}

// AdoptOwnerless assigns owner to every record created before login.
// It returns the number of records adopted.
func (c *Conn) AdoptOwnerless(ctx context.Context, owner string) (int64, error) {
	var total int64
	for _, table := range TableNames() {
		res, err := c.q.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET owner_id = ? WHERE owner_id IS NULL OR owner_id = ''`, table,
		), owner)
		if err != nil {
			return total, fmt.Errorf("adopt ownerless %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("adopt ownerless %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
