// Package backend is the hosted record store behind the cadence API. Records
// are stored as JSON payloads keyed by table and id, scoped to an owner, and
// every write appends to a change log the realtime feed replays from.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	_ "modernc.org/sqlite"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
	migrations "github.com/hyperengineering/cadence/migrations/backend"
)

// sortableTime is fixed width so stored timestamps compare as strings.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

const metaCompactedThrough = "compacted_through"

// Store is the backend record database.
type Store struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	now     func() time.Time
	version int64

	mu       sync.RWMutex
	watchers map[int]func(cadencesync.ChangeEvent)
	nextID   int
}

// Option configures Open.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now for change log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSchemaVersion makes Open migrate to version, up or down, instead of the
// latest.
func WithSchemaVersion(version int64) Option {
	return func(s *Store) { s.version = version }
}

// Open opens the backend database at path and applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   slog.Default(),
		now:      time.Now,
		version:  migrations.Latest,
		watchers: make(map[int]func(cadencesync.ChangeEvent)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "backend")

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s.db = db

	if _, err := s.Migrate(ctx, s.version); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// Migrate moves the schema up or down to version and returns the resulting
// version.
func (s *Store) Migrate(ctx context.Context, version int64) (int64, error) {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrations.FS,
		goose.WithDisableGlobalRegistry(true),
	)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case version > current:
		results, err = provider.UpTo(ctx, version)
	case version < current:
		results, err = provider.DownTo(ctx, version)
	}
	if err != nil {
		return current, fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("applied backend migration",
			"version", r.Source.Version,
			"direction", r.Direction,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
	return provider.GetDBVersion(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Watch registers fn to receive every change after it commits. fn runs on the
// writing goroutine and must not block. The returned func unregisters it.
func (s *Store) Watch(fn func(cadencesync.ChangeEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) publish(ev cadencesync.ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.watchers {
		fn(ev)
	}
}

// Get returns one record of owner.
func (s *Store) Get(ctx context.Context, owner, table, id string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE table_name = ? AND id = ? AND owner_id = ?`,
		table, id, owner,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return []byte(payload), nil
}

// Select returns owner's records of table ordered by id. Archived records are
// left out unless includeArchived; a non-empty ids restricts the result.
func (s *Store) Select(ctx context.Context, owner, table string, includeArchived bool, ids []string) ([][]byte, error) {
	var b strings.Builder
	b.WriteString(`SELECT payload FROM records WHERE table_name = ? AND owner_id = ?`)
	args := []any{table, owner}
	if !includeArchived {
		b.WriteString(` AND archived = 0`)
	}
	if len(ids) > 0 {
		b.WriteString(` AND id IN (?` + strings.Repeat(`, ?`, len(ids)-1) + `)`)
		for _, id := range ids {
			args = append(args, id)
		}
	}
	b.WriteString(` ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	out := make([][]byte, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, []byte(payload))
	}
	return out, rows.Err()
}

// Upsert stores payload as owner's record id in table unless the stored copy
// has a later updated_at. It returns the stored payload and whether this
// write was applied. The owner is stamped into the payload.
func (s *Store) Upsert(ctx context.Context, owner, source, table, id string, payload []byte) ([]byte, bool, error) {
	doc, updatedAt, archived, err := prepare(table, id, owner, payload, s.now())
	if err != nil {
		return nil, false, err
	}

	var (
		stored  string
		applied bool
		ev      cadencesync.ChangeEvent
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOwner(ctx, tx, owner, table, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (table_name, id, owner_id, archived, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (table_name, id) DO UPDATE SET
				archived   = excluded.archived,
				updated_at = excluded.updated_at,
				payload    = excluded.payload
			WHERE excluded.updated_at >= records.updated_at`,
			table, id, owner, archived, updatedAt, string(doc),
		)
		if err != nil {
			return fmt.Errorf("upsert %s %s: %w", table, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert %s %s: %w", table, id, err)
		}
		applied = n > 0
		if applied {
			if ev, err = s.appendChange(ctx, tx, owner, table, id, cadencesync.OperationUpsert, source); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx,
			`SELECT payload FROM records WHERE table_name = ? AND id = ?`, table, id,
		).Scan(&stored)
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.publish(ev)
	} else {
		s.logger.Debug("stale write ignored", "action", "upsert_stale", "table", table, "id", id, "source", source)
	}
	return []byte(stored), applied, nil
}

// Delete removes owner's record. It reports whether there was one to remove.
func (s *Store) Delete(ctx context.Context, owner, source, table, id string) (bool, error) {
	var (
		deleted bool
		ev      cadencesync.ChangeEvent
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE table_name = ? AND id = ? AND owner_id = ?`, table, id, owner)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", table, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", table, id, err)
		}
		if n == 0 {
			return nil
		}
		deleted = true
		ev, err = s.appendChange(ctx, tx, owner, table, id, cadencesync.OperationDelete, source)
		return err
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.publish(ev)
	}
	return deleted, nil
}

func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, owner, table, id, op, source string) (cadencesync.ChangeEvent, error) {
	at := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (owner_id, table_name, record_id, op, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		owner, table, id, op, nullString(source), at.Format(sortableTime),
	)
	if err != nil {
		return cadencesync.ChangeEvent{}, fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return cadencesync.ChangeEvent{}, fmt.Errorf("append change: %w", err)
	}
	return cadencesync.ChangeEvent{
		Sequence:  seq,
		Table:     table,
		Operation: op,
		RecordID:  id,
		OwnerID:   owner,
		SourceID:  source,
		CreatedAt: at,
	}, nil
}

// ChangesAfter returns up to limit of owner's changes to table with a
// sequence above after, oldest first.
func (s *Store) ChangesAfter(ctx context.Context, owner, table string, after int64, limit int) ([]cadencesync.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, record_id, op, COALESCE(source_id, ''), created_at
		FROM change_log
		WHERE owner_id = ? AND table_name = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`,
		owner, table, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("changes after %d: %w", after, err)
	}
	defer rows.Close()

	var out []cadencesync.ChangeEvent
	for rows.Next() {
		ev := cadencesync.ChangeEvent{Table: table, OwnerID: owner}
		var created string
		if err := rows.Scan(&ev.Sequence, &ev.RecordID, &ev.Operation, &ev.SourceID, &created); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(sortableTime, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// HeadSequence returns the newest change sequence, or 0 for an empty log.
func (s *Store) HeadSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("head sequence: %w", err)
	}
	return seq.Int64, nil
}

// CompactedThrough returns the highest sequence removed by compaction. A
// feed resuming at or below it may have missed changes.
func (s *Store) CompactedThrough(ctx context.Context) (int64, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM backend_meta WHERE key = ?`, metaCompactedThrough).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read compaction mark: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

// CompactChangeLog deletes change log entries created before the cutoff and
// returns how many were removed.
func (s *Store) CompactChangeLog(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Format(sortableTime)
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var through sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM change_log WHERE created_at < ?`, cutoff).Scan(&through); err != nil {
			return fmt.Errorf("find compaction range: %w", err)
		}
		if !through.Valid {
			return nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM change_log WHERE seq <= ?`, through.Int64)
		if err != nil {
			return fmt.Errorf("compact change log: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO backend_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			metaCompactedThrough, strconv.FormatInt(through.Int64, 10))
		return err
	})
	return deleted, err
}

// Snapshot writes a consistent copy of the database to path, which must not
// exist yet.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot to %s: %w", path, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// checkOwner fails when id exists in table under a different owner.
func checkOwner(ctx context.Context, tx *sql.Tx, owner, table, id string) error {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT owner_id FROM records WHERE table_name = ? AND id = ?`, table, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check owner of %s %s: %w", table, id, err)
	}
	if existing != owner {
		return fmt.Errorf("%s %s: %w", table, id, ErrOwnerMismatch)
	}
	return nil
}

// prepare validates payload and stamps it with owner. It returns the stamped
// document with its sortable updated_at and archived flag. A payload without
// updated_at falls back to created_at, then to now.
func prepare(table, id, owner string, payload []byte, now time.Time) ([]byte, string, bool, error) {
	if _, err := cadencesync.Lookup(table); err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, "", false, fmt.Errorf("%w: payload is not a JSON object", ErrInvalidRecord)
	}
	if got := gjson.GetBytes(payload, "id").String(); got != id {
		return nil, "", false, fmt.Errorf("%w: payload id %q does not match %q", ErrInvalidRecord, got, id)
	}

	doc, err := sjson.SetBytes(payload, "owner_id", owner)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: stamp owner: %v", ErrInvalidRecord, err)
	}

	updated := gjson.GetBytes(doc, "updated_at").String()
	if updated == "" {
		updated = gjson.GetBytes(doc, "created_at").String()
	}
	var at time.Time
	if updated == "" {
		at = now
		if doc, err = sjson.SetBytes(doc, "updated_at", types.FormatTime(at)); err != nil {
			return nil, "", false, fmt.Errorf("%w: stamp updated_at: %v", ErrInvalidRecord, err)
		}
	} else if at, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, "", false, fmt.Errorf("%w: updated_at %q: %v", ErrInvalidRecord, updated, err)
	}

	archived := gjson.GetBytes(doc, "archived").Bool()
	if table == types.TableTasks && gjson.GetBytes(doc, "status").String() == string(types.TaskArchived) {
		archived = true
	}
	return doc, at.UTC().Format(sortableTime), archived, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
