package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/cadence/internal/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn performs record operations against either the database or an open
// transaction.
type Conn struct {
	q querier
}

// Query selects records of one table. All Where conditions must hold
// (equality; a nil value matches NULL). Match, when set, filters the scanned
// records further.
type Query struct {
	Where   map[string]any
	OrderBy []string
	Limit   int
	Match   func(types.Record) bool
}

// Get returns the record with id, or ErrNotFound.
func (c *Conn) Get(ctx context.Context, table, id string) (types.Record, error) {
	recs, err := c.Query(ctx, table, Query{Where: map[string]any{"id": id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return recs[0], nil
}

// Query returns the records of table matching q.
func (c *Conn) Query(ctx context.Context, table string, q Query) ([]types.Record, error) {
	schema, err := Schema(table)
	if err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(schema.names(), ", "), schema.Name)

	if len(q.Where) > 0 {
		keys := make([]string, 0, len(q.Where))
		for k := range q.Where {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		conds := make([]string, 0, len(keys))
		for _, k := range keys {
			col, ok := schema.column(k)
			if !ok {
				return nil, fmt.Errorf("query %s: unknown column %q", table, k)
			}
			v := toSQL(col.Type, q.Where[k])
			if v == nil {
				conds = append(conds, k+" IS NULL")
				continue
			}
			conds = append(conds, k+" = ?")
			args = append(args, v)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	orderBy := q.OrderBy
	if len(orderBy) == 0 {
		orderBy = []string{"created_at", "id"}
	}
	for i, o := range orderBy {
		name, dir, _ := strings.Cut(o, " ")
		if !schema.Has(name) {
			return nil, fmt.Errorf("query %s: unknown order column %q", table, name)
		}
		switch strings.ToUpper(dir) {
		case "", "ASC", "DESC":
		default:
			return nil, fmt.Errorf("query %s: bad order direction %q", table, dir)
		}
		if i == 0 {
			sb.WriteString(" ORDER BY ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o)
	}

	// A Go predicate can reject rows, so LIMIT is applied after filtering.
	if q.Limit > 0 && q.Match == nil {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	rows, err := c.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows, schema)
		if err != nil {
			return nil, err
		}
		if q.Match != nil && !q.Match(rec) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// Put inserts or replaces the record by id. Columns absent from the record are
// stored as their default, or NULL; fields that are not columns are ignored.
// Uses INSERT ... ON CONFLICT(id) DO UPDATE so the row keeps its rowid.
func (c *Conn) Put(ctx context.Context, table string, rec types.Record) error {
	schema, err := Schema(table)
	if err != nil {
		return err
	}
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("put %s: %w", table, ErrMissingID)
	}

	cols := schema.Columns
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	args := make([]any, len(cols))
	for i, col := range cols {
		names[i] = col.Name
		placeholders[i] = "?"
		v := rec[col.Name]
		if v == nil {
			v = col.Default
		}
		args[i] = toSQL(col.Type, v)
		if col.Name != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col.Name, col.Name))
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		schema.Name,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	if _, err := c.q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("put %s %s: %w", table, id, err)
	}
	return nil
}

// BulkPut puts every record. On a Store (not a transaction) a failure may
// leave earlier records written; use WithTx for all-or-nothing.
func (c *Conn) BulkPut(ctx context.Context, table string, recs []types.Record) error {
	for _, rec := range recs {
		if err := c.Put(ctx, table, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the record with id. Deleting a missing record is not an error.
func (c *Conn) Delete(ctx context.Context, table, id string) error {
	if _, err := Schema(table); err != nil {
		return err
	}
	if _, err := c.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}

// BulkDelete removes every listed record.
func (c *Conn) BulkDelete(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := c.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

func scanRecord(rows *sql.Rows, schema TableSchema) (types.Record, error) {
	vals := make([]any, len(schema.Columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", schema.Name, err)
	}

	rec := make(types.Record, len(vals))
	for i, col := range schema.Columns {
		rec[col.Name] = fromSQL(col.Type, vals[i])
	}
	return rec, nil
}

// fromSQL normalises a scanned value: TEXT to string, INTEGER to int64,
// booleans to bool and JSON columns to json.RawMessage.
func fromSQL(t ColumnType, v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case Integer:
		return types.Record{"v": v}.Int("v")
	case Boolean:
		return types.Record{"v": v}.Bool("v")
	case JSON:
		s, ok := v.(string)
		if !ok || s == "" || s == "null" {
			return nil
		}
		return json.RawMessage(s)
	default:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
}

// toSQL converts a record value into a driver argument for a column.
func toSQL(t ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case Integer:
		return types.Record{"v": v}.Int("v")
	case Boolean:
		if (types.Record{"v": v}).Bool("v") {
			return 1
		}
		return 0
	case JSON:
		switch x := v.(type) {
		case json.RawMessage:
			if len(x) == 0 || string(x) == "null" {
				return nil
			}
			return string(x)
		default:
			b, err := json.Marshal(x)
			if err != nil || string(b) == "null" {
				return nil
			}
			return string(b)
		}
	default:
		switch x := v.(type) {
		case string:
			return x
		case time.Time:
			return types.FormatTime(x)
		case json.Number:
			return x.String()
		default:
			return fmt.Sprint(x)
		}
	}
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
