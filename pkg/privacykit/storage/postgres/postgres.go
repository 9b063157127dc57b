// Package postgres provides a StorageBackend over a single JSONB document
// table, suitable for the schemaless records the middleware manages.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/privacykit/privacykit/pkg/privacykit"
)

// DBTX lets the backend run on either a pool or a transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Schema is the document table the backend expects.
const Schema = `
CREATE TABLE IF NOT EXISTS privacykit_records (
    table_name TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    version    INT         NOT NULL DEFAULT 1,
    PRIMARY KEY (table_name, id)
);
CREATE INDEX IF NOT EXISTS privacykit_records_table_idx ON privacykit_records (table_name);
`

// Backend implements privacykit.StorageBackend, BulkBackend and TableLister
// over PostgreSQL.
type Backend struct {
	db DBTX
}

// New creates a backend on an existing connection or transaction.
func New(db DBTX) *Backend {
	return &Backend{db: db}
}

// NewWithPool creates a backend on a pgx connection pool.
func NewWithPool(pool *pgxpool.Pool) *Backend {
	return &Backend{db: pool}
}

// EnsureSchema creates the document table when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure privacykit schema: %w", err)
	}
	return nil
}

func wrapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return privacykit.ErrRecordNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: duplicate record: %w", op, err)
		case "42P01":
			return fmt.Errorf("%s: schema missing, run EnsureSchema: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (b *Backend) Create(ctx context.Context, table string, data privacykit.Record) (privacykit.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = privacykit.Record{}
	}
	id := rec.ID()
	if id == "" {
		id = uuid.New().String()
	}
	delete(rec, privacykit.FieldID)
	delete(rec, privacykit.FieldCreatedAt)
	delete(rec, privacykit.FieldUpdatedAt)
	delete(rec, privacykit.FieldVersion)

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}

	row := b.db.QueryRow(ctx, `
		INSERT INTO privacykit_records (table_name, id, data)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at, version`,
		table, id, payload)

	var createdAt, updatedAt time.Time
	var version int
	if err := row.Scan(&createdAt, &updatedAt, &version); err != nil {
		return nil, wrapError("create record", err)
	}
	return assemble(rec, id, createdAt, updatedAt, version), nil
}

func (b *Backend) Read(ctx context.Context, table, id string) (privacykit.Record, error) {
	row := b.db.QueryRow(ctx, `
		SELECT data, created_at, updated_at, version
		FROM privacykit_records
		WHERE table_name = $1 AND id = $2`,
		table, id)
	return scanRecord(row, id)
}

func (b *Backend) Update(ctx context.Context, table, id string, data privacykit.Record) (privacykit.Record, error) {
	patch := data.Clone()
	if patch == nil {
		patch = privacykit.Record{}
	}
	delete(patch, privacykit.FieldID)
	delete(patch, privacykit.FieldCreatedAt)
	delete(patch, privacykit.FieldUpdatedAt)
	delete(patch, privacykit.FieldVersion)

	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}

	row := b.db.QueryRow(ctx, `
		UPDATE privacykit_records
		SET data = data || $3::jsonb, updated_at = now(), version = version + 1
		WHERE table_name = $1 AND id = $2
		RETURNING data, created_at, updated_at, version`,
		table, id, payload)

	var merged []byte
	var createdAt, updatedAt time.Time
	var version int
	if err := row.Scan(&merged, &createdAt, &updatedAt, &version); err != nil {
		return nil, wrapError("update record", err)
	}
	var rec privacykit.Record
	if err := json.Unmarshal(merged, &rec); err != nil {
		return nil, fmt.Errorf("deserialize record: %w", err)
	}
	return assemble(rec, id, createdAt, updatedAt, version), nil
}

func (b *Backend) Delete(ctx context.Context, table, id string) error {
	tag, err := b.db.Exec(ctx, `
		DELETE FROM privacykit_records WHERE table_name = $1 AND id = $2`,
		table, id)
	if err != nil {
		return wrapError("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return privacykit.ErrRecordNotFound
	}
	return nil
}

// Query translates the filter into SQL over the JSONB document: equality and
// $in match text fields, range operators compare lexically (timestamps are
// stored as RFC 3339 text and compare correctly), $or expands to a
// disjunction. Ordering and limit push down as well.
func (b *Backend) Query(ctx context.Context, table string, filter *privacykit.Filter) ([]privacykit.Record, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, data, created_at, updated_at, version FROM privacykit_records WHERE table_name = $1`)
	args := []any{table}

	if filter != nil && len(filter.Where) > 0 {
		clause, err := whereClause(filter.Where, &args)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			sb.WriteString(" AND ")
			sb.WriteString(clause)
		}
	}
	if filter != nil {
		for i, ob := range filter.OrderBy {
			if i == 0 {
				sb.WriteString(" ORDER BY ")
			} else {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "data->>%s", literal(&args, ob.Field))
			if strings.EqualFold(ob.Direction, "desc") {
				sb.WriteString(" DESC")
			}
		}
		if filter.Limit > 0 {
			fmt.Fprintf(&sb, " LIMIT %d", filter.Limit)
		}
	}

	rows, err := b.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapError("query records", err)
	}
	defer rows.Close()

	var out []privacykit.Record
	for rows.Next() {
		var id string
		var payload []byte
		var createdAt, updatedAt time.Time
		var version int
		if err := rows.Scan(&id, &payload, &createdAt, &updatedAt, &version); err != nil {
			return nil, wrapError("scan record", err)
		}
		var rec privacykit.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("deserialize record %s: %w", id, err)
		}
		out = append(out, assemble(rec, id, createdAt, updatedAt, version))
	}
	return out, rows.Err()
}

func (b *Backend) Count(ctx context.Context, table string) (int, error) {
	var count int
	err := b.db.QueryRow(ctx, `
		SELECT count(*) FROM privacykit_records WHERE table_name = $1`,
		table).Scan(&count)
	if err != nil {
		return 0, wrapError("count records", err)
	}
	return count, nil
}

func (b *Backend) Clear(ctx context.Context, table string) error {
	if _, err := b.db.Exec(ctx, `
		DELETE FROM privacykit_records WHERE table_name = $1`, table); err != nil {
		return wrapError("clear table", err)
	}
	return nil
}

// Bulk operations

func (b *Backend) CreateMany(ctx context.Context, table string, data []privacykit.Record) ([]privacykit.Record, error) {
	out := make([]privacykit.Record, 0, len(data))
	for _, rec := range data {
		created, err := b.Create(ctx, table, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (b *Backend) UpdateMany(ctx context.Context, table string, data []privacykit.Record) ([]privacykit.Record, error) {
	out := make([]privacykit.Record, 0, len(data))
	for _, rec := range data {
		updated, err := b.Update(ctx, table, rec.ID(), rec)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

func (b *Backend) DeleteMany(ctx context.Context, table string, ids []string) error {
	tag, err := b.db.Exec(ctx, `
		DELETE FROM privacykit_records WHERE table_name = $1 AND id = ANY($2)`,
		table, ids)
	if err != nil {
		return wrapError("delete records", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return privacykit.ErrRecordNotFound
	}
	return nil
}

// TableNames lists distinct logical tables.
func (b *Backend) TableNames(ctx context.Context) ([]string, error) {
	rows, err := b.db.Query(ctx, `
		SELECT DISTINCT table_name FROM privacykit_records ORDER BY table_name`)
	if err != nil {
		return nil, wrapError("list tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapError("scan table name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func whereClause(where map[string]any, args *[]any) (string, error) {
	var parts []string
	for field, cond := range where {
		if field == privacykit.OpOr {
			disjunction, err := orClause(cond, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, disjunction)
			continue
		}
		part, err := fieldClause(field, cond, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " AND "), nil
}

func orClause(cond any, args *[]any) (string, error) {
	alts, ok := cond.([]map[string]any)
	if !ok {
		raw, isSlice := cond.([]any)
		if !isSlice {
			return "", fmt.Errorf("$or expects a list of predicate maps")
		}
		for _, alt := range raw {
			m, isMap := alt.(map[string]any)
			if !isMap {
				return "", fmt.Errorf("$or expects a list of predicate maps")
			}
			alts = append(alts, m)
		}
	}
	var parts []string
	for _, alt := range alts {
		clause, err := whereClause(alt, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+clause+")")
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func fieldClause(field string, cond any, args *[]any) (string, error) {
	accessor := "data->>" + literal(args, field)
	if field == privacykit.FieldID {
		accessor = "id"
	}

	ops, ok := cond.(map[string]any)
	if !ok {
		return accessor + " = " + literal(args, textValue(cond)), nil
	}
	var parts []string
	for op, operand := range ops {
		var sqlOp string
		switch op {
		case privacykit.OpGTE:
			sqlOp = ">="
		case privacykit.OpGT:
			sqlOp = ">"
		case privacykit.OpLTE:
			sqlOp = "<="
		case privacykit.OpLT:
			sqlOp = "<"
		case privacykit.OpIn:
			values, err := textValues(operand)
			if err != nil {
				return "", err
			}
			parts = append(parts, accessor+" = ANY("+literal(args, values)+")")
			continue
		default:
			return "", fmt.Errorf("unsupported query operator %q", op)
		}
		parts = append(parts, accessor+" "+sqlOp+" "+literal(args, textValue(operand)))
	}
	return strings.Join(parts, " AND "), nil
}

// literal appends a positional argument and returns its placeholder.
func literal(args *[]any, value any) string {
	*args = append(*args, value)
	return fmt.Sprintf("$%d", len(*args))
}

// textValue renders a predicate operand the way the JSONB text accessor
// renders the stored field, so comparisons line up.
func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func textValues(operand any) ([]string, error) {
	raw, ok := operand.([]any)
	if ok {
		out := make([]string, len(raw))
		for i, v := range raw {
			out[i] = textValue(v)
		}
		return out, nil
	}
	if strs, ok := operand.([]string); ok {
		return strs, nil
	}
	return nil, fmt.Errorf("$in expects a list")
}

func scanRecord(row pgx.Row, id string) (privacykit.Record, error) {
	var payload []byte
	var createdAt, updatedAt time.Time
	var version int
	if err := row.Scan(&payload, &createdAt, &updatedAt, &version); err != nil {
		return nil, wrapError("read record", err)
	}
	var rec privacykit.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("deserialize record %s: %w", id, err)
	}
	return assemble(rec, id, createdAt, updatedAt, version), nil
}

func assemble(rec privacykit.Record, id string, createdAt, updatedAt time.Time, version int) privacykit.Record {
	out := rec.Clone()
	if out == nil {
		out = privacykit.Record{}
	}
	out[privacykit.FieldID] = id
	out[privacykit.FieldCreatedAt] = createdAt
	out[privacykit.FieldUpdatedAt] = updatedAt
	out[privacykit.FieldVersion] = version
	return out
}
