package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tinybase/tinybase/internal/rules"
	"github.com/tinybase/tinybase/internal/rulesql"
	"github.com/tinybase/tinybase/internal/schema"
)

// defaultPageSize caps a list call that passes no limit.
const defaultPageSize = 30

// SortKey names the field a list is ordered by. The system fields id,
// created and updated sort on their columns; user fields sort on the
// extracted JSON value.
type SortKey struct {
	Field string
	Desc  bool
}

// ListOptions parameterize a List call.
type ListOptions struct {
	// Filter is a bound filter expression restricted to the indexable
	// subset, or nil for no filter.
	Filter rules.Expr
	// Sort orders the page; nil means id order (creation order, since ids
	// are UUIDv7).
	Sort *SortKey
	// Limit caps the page size; 0 means defaultPageSize.
	Limit int
	// Cursor resumes after a previous page's NextCursor.
	Cursor string
}

// Page is one list result. NextCursor is empty on the last page.
type Page struct {
	Records    []*Record
	NextCursor string
}

// cursorWire is the serialized cursor: the watermark id plus, under an
// explicit sort, the sort value of the last record. A null sort value is
// carried as the n flag rather than a null k, which would not survive the
// JSON round trip.
type cursorWire struct {
	Key  *json.RawMessage `json:"k,omitempty"`
	Null bool             `json:"n,omitempty"`
	ID   string           `json:"id"`
}

// List returns one page of records in a stable order. Pagination is
// keyset-based: the cursor carries the last record's sort value and id, and
// the next page starts strictly after that point, so pages stay consistent
// under concurrent inserts and deletes.
func (s *Store) List(ctx context.Context, col *schema.Collection, opts ListOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	var conds []string
	args := []any{col.Name}
	conds = append(conds, "collection = ?")

	if opts.Filter != nil {
		sqlCond, params, err := rulesql.New("data").Compile(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		conds = append(conds, "("+sqlCond+")")
		args = append(args, params...)
	}

	sortExpr, orderBy, err := sortClause(col, opts.Sort)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	if opts.Cursor != "" {
		cond, params, err := cursorCondition(sortExpr, opts.Sort, opts.Cursor)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
		args = append(args, params...)
	}

	query := fmt.Sprintf(`
		SELECT id, data, created, updated, schema_version
		FROM records
		WHERE %s
		ORDER BY %s
		LIMIT ?
	`, strings.Join(conds, " AND "), orderBy)
	args = append(args, limit+1) // one extra row to detect a next page

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var id, data, created, updated string
		var version int64
		if err := rows.Scan(&id, &data, &created, &updated, &version); err != nil {
			return nil, fmt.Errorf("list: scan: %w", err)
		}
		rec, err := scanRecord(col, id, data, created, updated, version)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: iterate: %w", err)
	}

	page := &Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		next, err := nextCursor(col, opts.Sort, page.Records[limit-1])
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		page.NextCursor = next
	}
	return page, nil
}

// sortClause resolves the sort key into a SQL sort expression and the full
// ORDER BY clause. The id tiebreak follows the sort direction so the keyset
// condition stays a strict total order.
func sortClause(col *schema.Collection, sort *SortKey) (string, string, error) {
	if sort == nil {
		return "id", "id ASC", nil
	}
	expr, err := sortExpr(col, sort.Field)
	if err != nil {
		return "", "", err
	}
	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	return expr, fmt.Sprintf("%s %s, id %s", expr, dir, dir), nil
}

func sortExpr(col *schema.Collection, field string) (string, error) {
	switch field {
	case "id", "created", "updated":
		return field, nil
	}
	f, ok := col.FieldByName(field)
	if !ok {
		return "", fmt.Errorf("unknown sort field %q", field)
	}
	if f.Kind == schema.KindJSON || f.Kind == schema.KindArray {
		return "", fmt.Errorf("cannot sort on %s field %q", f.Kind, field)
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", f.Name), nil
}

// cursorCondition builds the keyset predicate resuming strictly after the
// cursor position. SQLite orders NULLs first ascending and last descending;
// the null branches below mirror that.
func cursorCondition(sortExpr string, sort *SortKey, cursor string) (string, []any, error) {
	wire, err := decodeCursor(cursor)
	if err != nil {
		return "", nil, err
	}

	if sort == nil {
		if wire.Key != nil || wire.Null {
			return "", nil, ErrBadCursor
		}
		return "id > ?", []any{wire.ID}, nil
	}

	if wire.Null {
		if sort.Desc {
			return fmt.Sprintf("(%s IS NULL AND id < ?)", sortExpr), []any{wire.ID}, nil
		}
		cond := fmt.Sprintf("((%s IS NULL AND id > ?) OR %s IS NOT NULL)", sortExpr, sortExpr)
		return cond, []any{wire.ID}, nil
	}

	if wire.Key == nil {
		return "", nil, ErrBadCursor
	}
	var key any
	if err := json.Unmarshal(*wire.Key, &key); err != nil || key == nil {
		return "", nil, ErrBadCursor
	}

	if sort.Desc {
		cond := fmt.Sprintf("(%s < ? OR (%s = ? AND id < ?) OR %s IS NULL)", sortExpr, sortExpr, sortExpr)
		return cond, []any{key, key, wire.ID}, nil
	}
	cond := fmt.Sprintf("(%s > ? OR (%s = ? AND id > ?))", sortExpr, sortExpr)
	return cond, []any{key, key, wire.ID}, nil
}

// nextCursor serializes the page's last record into a resumable position.
func nextCursor(col *schema.Collection, sort *SortKey, last *Record) (string, error) {
	wire := cursorWire{ID: last.ID}
	if sort != nil {
		key, err := sortValue(col, sort.Field, last)
		if err != nil {
			return "", err
		}
		if key == nil {
			wire.Null = true
		} else {
			raw, err := json.Marshal(key)
			if err != nil {
				return "", fmt.Errorf("encode cursor key: %w", err)
			}
			msg := json.RawMessage(raw)
			wire.Key = &msg
		}
	}
	return encodeCursor(wire), nil
}

// sortValue extracts a record's sort value in the shape SQLite compares the
// sort expression against: timestamps as their stored strings, booleans as
// 0/1 integers.
func sortValue(col *schema.Collection, field string, rec *Record) (any, error) {
	switch field {
	case "id":
		return rec.ID, nil
	case "created":
		return rec.Created.Format(time.RFC3339Nano), nil
	case "updated":
		return rec.Updated.Format(time.RFC3339Nano), nil
	}
	f, ok := col.FieldByName(field)
	if !ok {
		return nil, fmt.Errorf("unknown sort field %q", field)
	}
	v := rec.Fields[f.Name]
	if schema.IsNull(v) {
		return nil, nil
	}
	if b, ok := v.(schema.Bool); ok {
		if bool(b) {
			return 1, nil
		}
		return 0, nil
	}
	return schema.ToJSON(v), nil
}

func encodeCursor(wire cursorWire) string {
	raw, _ := json.Marshal(wire)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (cursorWire, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorWire{}, ErrBadCursor
	}
	var wire cursorWire
	if err := json.Unmarshal(raw, &wire); err != nil || wire.ID == "" {
		return cursorWire{}, ErrBadCursor
	}
	return wire, nil
}
