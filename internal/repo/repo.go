package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repo is a JSON document store on top of SQLite. Each record lives in a
// named collection and is addressed by id.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("document changed concurrently")
	ErrDuplicate = errors.New("duplicate entry")
	ErrNoMatch   = errors.New("no matching array element")
)

// timeLayout sorts lexically, which created_at ordering relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Document is one stored record.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type Order int

const (
	OrderCreatedAsc Order = iota
	OrderCreatedDesc
)

type filterOp int

const (
	filterEq filterOp = iota
	filterArrayHas
)

// Filter restricts a Query.
type Filter struct {
	op    filterOp
	field string
	key   string
	value any
}

// Eq matches documents whose top-level field equals v.
func Eq(field string, v any) Filter { return Filter{op: filterEq, field: field, value: v} }

// ArrayHas matches documents whose array field holds an object with key equal to v.
func ArrayHas(field, key string, v any) Filter {
	return Filter{op: filterArrayHas, field: field, key: key, value: v}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return nil, errors.New("document must be a JSON object")
	}
	delete(fields, "id")
	return fields, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Insert stores data under collection/id. created_at drives query ordering.
func (r Repo) Insert(ctx context.Context, collection, id string, data any, createdAt time.Time) error {
	if collection == "" || id == "" {
		return errors.New("collection and id required")
	}
	fields, err := encode(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO documents(collection,id,data,created_at,updated_at) VALUES (?,?,?,?,?)`,
		collection, id, string(raw), formatTime(createdAt), formatTime(r.now()))
	if isUniqueViolation(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrDuplicate)
	}
	return err
}

// CreateWithID stores data under a caller-chosen id.
func (r Repo) CreateWithID(ctx context.Context, collection, id string, data any) error {
	return r.Insert(ctx, collection, id, data, r.now())
}

// Create stores data under a fresh id and returns it.
func (r Repo) Create(ctx context.Context, collection string, data any) (string, error) {
	id := uuid.NewString()
	if err := r.Insert(ctx, collection, id, data, r.now()); err != nil {
		return "", err
	}
	return id, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q rowQueryer, collection, id string) (Document, error) {
	d := Document{Collection: collection, ID: id}
	var raw, created, updated string
	err := q.QueryRowContext(ctx, `SELECT data, created_at, updated_at FROM documents WHERE collection=? AND id=?`, collection, id).
		Scan(&raw, &created, &updated)
	if err == sql.ErrNoRows {
		return d, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(raw), &d.Data); err != nil {
		return d, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return d, nil
}

// Get returns one document or ErrNotFound.
func (r Repo) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDocument(ctx, r.DB, collection, id)
}

// Query lists a collection, narrowed by filters and ordered by creation time.
func (r Repo) Query(ctx context.Context, collection string, filters []Filter, order Order) ([]Document, error) {
	query := `SELECT id, data, created_at, updated_at FROM documents WHERE collection=?`
	args := []any{collection}
	for _, f := range filters {
		if !fieldPattern.MatchString(f.field) {
			return nil, fmt.Errorf("invalid filter field %q", f.field)
		}
		switch f.op {
		case filterEq:
			query += ` AND json_extract(data, ?) = ?`
			args = append(args, "$."+f.field, f.value)
		case filterArrayHas:
			if !fieldPattern.MatchString(f.key) {
				return nil, fmt.Errorf("invalid filter key %q", f.key)
			}
			query += ` AND EXISTS (SELECT 1 FROM json_each(data, ?) WHERE json_extract(json_each.value, ?) = ?)`
			args = append(args, "$."+f.field, "$."+f.key, f.value)
		}
	}
	if order == OrderCreatedDesc {
		query += ` ORDER BY created_at DESC, rowid DESC`
	} else {
		query += ` ORDER BY created_at ASC, rowid ASC`
	}
	return r.queryDocuments(ctx, collection, query, args...)
}

func (r Repo) queryDocuments(ctx context.Context, collection, query string, args ...any) ([]Document, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d := Document{Collection: collection}
		var raw, created, updated string
		if err := rows.Scan(&d.ID, &raw, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &d.Data); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, d.ID, err)
		}
		d.CreatedAt = parseTime(created)
		d.UpdatedAt = parseTime(updated)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Update applies ops to the current stored version of a document inside one
// transaction, so concurrent appends never overwrite each other. If any op
// fails nothing is written.
func (r Repo) Update(ctx context.Context, collection, id string, ops ...Op) (Document, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer tx.Rollback()
	d, err := r.updateDocument(ctx, tx, collection, id, ops...)
	if err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// updateDocument applies ops to one document inside tx.
func (r Repo) updateDocument(ctx context.Context, tx *sql.Tx, collection, id string, ops ...Op) (Document, error) {
	d, err := getDocument(ctx, tx, collection, id)
	if err != nil {
		return Document{}, err
	}
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	for _, op := range ops {
		if err := op.apply(d.Data); err != nil {
			return Document{}, fmt.Errorf("%s/%s: %w", collection, id, err)
		}
	}
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return Document{}, err
	}
	now := r.now()
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET data=?, updated_at=? WHERE collection=? AND id=?`,
		string(raw), formatTime(now), collection, id); err != nil {
		return Document{}, err
	}
	d.UpdatedAt = now
	return d, nil
}

// Delete removes a document, returning ErrNotFound when absent.
func (r Repo) Delete(ctx context.Context, collection, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}
