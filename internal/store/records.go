package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinybase/tinybase/internal/schema"
)

// Reference describes a relation field in some collection that points at the
// collection a delete is running against. The registry computes the full
// reference set; the store enforces the cascade policy inside the delete
// transaction.
type Reference struct {
	Collection string // referencing collection name
	Field      string // referencing relation field
	IsArray    bool   // array-of-relation field
	Unique     bool   // referencing field carries a unique constraint
	Policy     schema.CascadePolicy
}

// Insert persists validated fields as a new record under the caller-supplied
// id (see NewID), assigning timestamps. The caller's collection definition
// carries the schema version captured at validation time; the insert is
// rejected with ErrSchemaChanged if the live version differs at commit.
func (s *Store) Insert(ctx context.Context, col *schema.Collection, id string, fields schema.Fields) (*Record, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	live, err := collectionVersion(ctx, tx, col.Name)
	if err != nil {
		return nil, err
	}
	if live != col.Version {
		return nil, ErrSchemaChanged
	}

	if err := checkRelationTargets(ctx, tx, col, fields, col.FieldNames()); err != nil {
		return nil, err
	}

	now := s.now()
	stamp := now.Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, created, updated, schema_version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, col.Name, id, string(data), stamp, stamp, col.Version); err != nil {
		if isConstraintErr(err) {
			return nil, ErrIDConflict
		}
		return nil, fmt.Errorf("insert: %w", err)
	}

	if err := insertUniques(ctx, tx, col, id, fields, col.FieldNames()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("insert: commit: %w", err)
	}

	return &Record{
		Collection:    col.Name,
		ID:            id,
		Fields:        fields,
		Created:       now,
		Updated:       now,
		SchemaVersion: col.Version,
	}, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, col *schema.Collection, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, created, updated, schema_version
		FROM records WHERE collection = ? AND id = ?
	`, col.Name, id)

	var data, created, updated string
	var version int64
	if err := row.Scan(&data, &created, &updated, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	rec, err := scanRecord(col, id, data, created, updated, version)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return rec, nil
}

// Update applies a validated patch. touched names the fields present in the
// patch; only their uniqueness rows are rewritten. updated-at is bumped
// monotonically per record.
func (s *Store) Update(ctx context.Context, col *schema.Collection, id string, patch schema.Fields, touched []string) (*Record, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update: begin tx: %w", err)
	}
	defer tx.Rollback()

	live, err := collectionVersion(ctx, tx, col.Name)
	if err != nil {
		return nil, err
	}
	if live != col.Version {
		return nil, ErrSchemaChanged
	}

	row := tx.QueryRowContext(ctx, `
		SELECT data, created, updated, schema_version
		FROM records WHERE collection = ? AND id = ?
	`, col.Name, id)

	var data, created, updated string
	var version int64
	if err := row.Scan(&data, &created, &updated, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update: %w", err)
	}
	existing, err := scanRecord(col, id, data, created, updated, version)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	merged := make(schema.Fields, len(existing.Fields))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for _, name := range touched {
		v := patch[name]
		if v == nil {
			v = schema.Null{}
		}
		merged[name] = v
	}

	if err := checkRelationTargets(ctx, tx, col, merged, touched); err != nil {
		return nil, err
	}

	now := s.now()
	if !now.After(existing.Updated) {
		now = existing.Updated.Add(time.Microsecond)
	}

	newData, err := encodeFields(merged)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET data = ?, updated = ?, schema_version = ?
		WHERE collection = ? AND id = ?
	`, string(newData), now.Format(time.RFC3339Nano), col.Version, col.Name, id); err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	// Rewrite uniqueness rows for touched unique fields only.
	for _, name := range touched {
		f, ok := col.FieldByName(name)
		if !ok || !f.Unique {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_uniques WHERE collection = ? AND field = ? AND record_id = ?`,
			col.Name, name, id,
		); err != nil {
			return nil, fmt.Errorf("update: drop unique row: %w", err)
		}
	}
	if err := insertUniques(ctx, tx, col, id, merged, touched); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update: commit: %w", err)
	}

	return &Record{
		Collection:    col.Name,
		ID:            id,
		Fields:        merged,
		Created:       existing.Created,
		Updated:       now,
		SchemaVersion: col.Version,
	}, nil
}

// Delete removes a record, enforcing cascade policies for every relation
// field that targets this collection. restrict blocks the delete while
// references exist; setNull clears the references in the same transaction.
func (s *Store) Delete(ctx context.Context, col *schema.Collection, id string, refs []Reference) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE collection = ? AND id = ?`, col.Name, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	for _, ref := range refs {
		switch ref.Policy {
		case schema.CascadeSetNull:
			if err := clearReferences(ctx, tx, ref, id); err != nil {
				return err
			}
		default: // restrict
			referenced, err := hasReference(ctx, tx, ref, id)
			if err != nil {
				return err
			}
			if referenced {
				return &ReferencedError{Collection: ref.Collection, Field: ref.Field}
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, col.Name, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete: commit: %w", err)
	}
	return nil
}

// checkRelationTargets verifies that every touched, non-null relation value
// points at an existing record. Runs inside the write transaction so the
// check and the write are atomic.
func checkRelationTargets(ctx context.Context, tx *sql.Tx, col *schema.Collection, fields schema.Fields, touched []string) error {
	for _, name := range touched {
		f, ok := col.FieldByName(name)
		if !ok {
			continue
		}
		v := fields[name]
		if schema.IsNull(v) {
			continue
		}
		switch {
		case f.Kind == schema.KindRelation:
			rel, ok := v.(schema.Relation)
			if !ok {
				continue
			}
			if err := relationExists(ctx, tx, f.Collection, string(rel), name); err != nil {
				return err
			}
		case f.Kind == schema.KindArray && f.Elem == schema.KindRelation:
			arr, ok := v.(schema.Array)
			if !ok {
				continue
			}
			for _, item := range arr {
				rel, ok := item.(schema.Relation)
				if !ok {
					continue
				}
				if err := relationExists(ctx, tx, f.Collection, string(rel), name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func relationExists(ctx context.Context, tx *sql.Tx, collection, id, field string) error {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&one)
	if err == sql.ErrNoRows {
		return schema.NewFieldError(field, "related record %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("check relation target: %w", err)
	}
	return nil
}

// insertUniques writes uniqueness index rows for the touched unique fields.
// A primary-key conflict on the index table is a business uniqueness
// violation and surfaces as UniqueError.
func insertUniques(ctx context.Context, tx *sql.Tx, col *schema.Collection, id string, fields schema.Fields, touched []string) error {
	for _, name := range touched {
		f, ok := col.FieldByName(name)
		if !ok || !f.Unique {
			continue
		}
		v := fields[name]
		if schema.IsNull(v) {
			continue // nulls do not participate in uniqueness
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_uniques (collection, field, value, record_id) VALUES (?, ?, ?, ?)`,
			col.Name, name, schema.UniqueKey(v), id,
		); err != nil {
			if isConstraintErr(err) {
				return &UniqueError{Field: name}
			}
			return fmt.Errorf("insert unique row: %w", err)
		}
	}
	return nil
}

// hasReference reports whether any record references id through ref.
func hasReference(ctx context.Context, tx *sql.Tx, ref Reference, id string) (bool, error) {
	var query string
	if ref.IsArray {
		query = fmt.Sprintf(`
			SELECT 1 FROM records r, json_each(r.data, '$.%s') je
			WHERE r.collection = ? AND je.value = ? LIMIT 1
		`, ref.Field)
	} else {
		query = fmt.Sprintf(`
			SELECT 1 FROM records WHERE collection = ?
			AND json_extract(data, '$.%s') = ? LIMIT 1
		`, ref.Field)
	}
	var one int
	err := tx.QueryRowContext(ctx, query, ref.Collection, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check references %s.%s: %w", ref.Collection, ref.Field, err)
	}
	return true, nil
}

// clearReferences nulls out every reference to id through ref, dropping the
// referencing rows' uniqueness entries when the field is unique. Array
// references remove the matching element instead of nulling the whole field.
func clearReferences(ctx context.Context, tx *sql.Tx, ref Reference, id string) error {
	if ref.IsArray {
		return clearArrayReferences(ctx, tx, ref, id)
	}
	if ref.Unique {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM record_uniques WHERE collection = ? AND field = ? AND record_id IN (
				SELECT id FROM records WHERE collection = ? AND json_extract(data, '$.%s') = ?
			)
		`, ref.Field), ref.Collection, ref.Field, ref.Collection, id); err != nil {
			return fmt.Errorf("clear references %s.%s: uniques: %w", ref.Collection, ref.Field, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE records SET data = json_set(data, '$.%s', null)
		WHERE collection = ? AND json_extract(data, '$.%s') = ?
	`, ref.Field, ref.Field), ref.Collection, id); err != nil {
		return fmt.Errorf("clear references %s.%s: %w", ref.Collection, ref.Field, err)
	}
	return nil
}

// clearArrayReferences removes id from every array-of-relation value that
// contains it. The rewritten arrays are recomputed in Go so unique index rows
// can be rebuilt from the new value.
func clearArrayReferences(ctx context.Context, tx *sql.Tx, ref Reference, id string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT r.id, json_extract(r.data, '$.%s')
		FROM records r, json_each(r.data, '$.%s') je
		WHERE r.collection = ? AND je.value = ?
		GROUP BY r.id
	`, ref.Field, ref.Field), ref.Collection, id)
	if err != nil {
		return fmt.Errorf("clear references %s.%s: %w", ref.Collection, ref.Field, err)
	}
	type hit struct{ recordID, raw string }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.recordID, &h.raw); err != nil {
			rows.Close()
			return fmt.Errorf("clear references %s.%s: scan: %w", ref.Collection, ref.Field, err)
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("clear references %s.%s: iterate: %w", ref.Collection, ref.Field, err)
	}

	for _, h := range hits {
		var items []string
		if err := json.Unmarshal([]byte(h.raw), &items); err != nil {
			return fmt.Errorf("clear references %s.%s: decode array: %w", ref.Collection, ref.Field, err)
		}
		kept := make([]string, 0, len(items))
		for _, item := range items {
			if item != id {
				kept = append(kept, item)
			}
		}
		newRaw, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("clear references %s.%s: encode array: %w", ref.Collection, ref.Field, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE records SET data = json_set(data, '$.%s', json(?)) WHERE collection = ? AND id = ?`,
			ref.Field), string(newRaw), ref.Collection, h.recordID); err != nil {
			return fmt.Errorf("clear references %s.%s: %w", ref.Collection, ref.Field, err)
		}

		if !ref.Unique {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_uniques WHERE collection = ? AND field = ? AND record_id = ?`,
			ref.Collection, ref.Field, h.recordID); err != nil {
			return fmt.Errorf("clear references %s.%s: uniques: %w", ref.Collection, ref.Field, err)
		}
		arr := make(schema.Array, len(kept))
		for i, rid := range kept {
			arr[i] = schema.Relation(rid)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_uniques (collection, field, value, record_id) VALUES (?, ?, ?, ?)`,
			ref.Collection, ref.Field, schema.UniqueKey(arr), h.recordID); err != nil {
			if isConstraintErr(err) {
				return &UniqueError{Field: ref.Field}
			}
			return fmt.Errorf("clear references %s.%s: uniques: %w", ref.Collection, ref.Field, err)
		}
	}
	return nil
}
