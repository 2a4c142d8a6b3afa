package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/tinybase/tinybase/internal/schema"
)

// ChangeSet describes the data migration an alterCollection implies.
// It is computed by the registry from the field diff and applied here in the
// same transaction as the definition swap, so no orphaned field values
// survive a schema edit.
type ChangeSet struct {
	// Removed fields are purged from every record document.
	Removed []string
	// Backfill writes a value into every record for fields that gained a
	// required constraint (or were added with a backfill value).
	Backfill map[string]schema.Value
	// AddedUnique fields get their uniqueness index built from existing
	// rows; a duplicate among them fails the whole alteration.
	AddedUnique []schema.Field
	// RemovedUnique fields have their index rows dropped.
	RemovedUnique []string
}

// CreateCollection persists a new collection definition at version 1.
func (s *Store) CreateCollection(ctx context.Context, col *schema.Collection) error {
	def, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("create collection: encode definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections (name, def, version) VALUES (?, ?, ?)`,
		col.Name, string(def), col.Version,
	)
	if err != nil {
		if isConstraintErr(err) {
			return ErrCollectionExists
		}
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// AlterCollection swaps the collection definition and applies the change set
// atomically. expectedVersion is the version the caller validated against;
// if the stored version differs the alteration fails with ErrSchemaChanged.
//
// col must carry the new version (expectedVersion+1).
func (s *Store) AlterCollection(ctx context.Context, col *schema.Collection, expectedVersion int64, cs ChangeSet) error {
	def, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("alter collection: encode definition: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("alter collection: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx,
		`UPDATE collections SET def = ?, version = ? WHERE name = ? AND version = ?`,
		string(def), col.Version, col.Name, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("alter collection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("alter collection: rows affected: %w", err)
	}
	if n == 0 {
		// Either the collection is gone or someone altered it first.
		if _, verr := collectionVersion(ctx, tx, col.Name); verr == ErrNotFound {
			return ErrNotFound
		}
		return ErrSchemaChanged
	}

	if err := applyChangeSet(ctx, tx, col, cs); err != nil {
		return err
	}

	// Re-stamp records: after purge and backfill every row conforms to the
	// new version.
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET schema_version = ? WHERE collection = ?`,
		col.Version, col.Name,
	); err != nil {
		return fmt.Errorf("alter collection: restamp records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("alter collection: commit: %w", err)
	}
	return nil
}

func applyChangeSet(ctx context.Context, tx *sql.Tx, col *schema.Collection, cs ChangeSet) error {
	for _, field := range cs.Removed {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE records SET data = json_remove(data, '$.%s') WHERE collection = ?`, field),
			col.Name,
		); err != nil {
			return fmt.Errorf("purge field %q: %w", field, err)
		}
	}

	if len(cs.RemovedUnique) > 0 {
		placeholders := strings.Repeat("?, ", len(cs.RemovedUnique)-1) + "?"
		args := []any{col.Name}
		for _, f := range cs.RemovedUnique {
			args = append(args, f)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM record_uniques WHERE collection = ? AND field IN (%s)`, placeholders),
			args...,
		); err != nil {
			return fmt.Errorf("drop unique index rows: %w", err)
		}
	}

	for field, value := range cs.Backfill {
		encoded, err := json.Marshal(schema.ToJSON(value))
		if err != nil {
			return fmt.Errorf("backfill %q: encode: %w", field, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE records SET data = json_set(data, '$.%s', json(?)) WHERE collection = ? AND json_extract(data, '$.%s') IS NULL`, field, field),
			string(encoded), col.Name,
		); err != nil {
			return fmt.Errorf("backfill %q: %w", field, err)
		}
	}

	for _, f := range cs.AddedUnique {
		if err := buildUniqueIndex(ctx, tx, col, f); err != nil {
			return err
		}
	}
	return nil
}

// buildUniqueIndex populates record_uniques for a newly unique field from
// existing rows. A duplicate value fails the alteration.
func buildUniqueIndex(ctx context.Context, tx *sql.Tx, col *schema.Collection, f schema.Field) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, data FROM records WHERE collection = ? ORDER BY id ASC`, col.Name)
	if err != nil {
		return fmt.Errorf("build unique index %q: %w", f.Name, err)
	}
	defer rows.Close()

	type entry struct{ id, key string }
	var entries []entry
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("build unique index %q: scan: %w", f.Name, err)
		}
		fields, err := decodeFields(col, []byte(data))
		if err != nil {
			return fmt.Errorf("build unique index %q: %w", f.Name, err)
		}
		v := fields[f.Name]
		if schema.IsNull(v) {
			continue // nulls do not participate in uniqueness
		}
		entries = append(entries, entry{id: id, key: schema.UniqueKey(v)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("build unique index %q: iterate: %w", f.Name, err)
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_uniques (collection, field, value, record_id) VALUES (?, ?, ?, ?)`,
			col.Name, f.Name, e.key, e.id,
		); err != nil {
			if isConstraintErr(err) {
				return &UniqueError{Field: f.Name}
			}
			return fmt.Errorf("build unique index %q: %w", f.Name, err)
		}
	}
	return nil
}

// DeleteCollection removes the definition and, via foreign keys, all of the
// collection's records and uniqueness rows.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete collection: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadCollections reads every persisted collection definition.
// Used to seed the registry's in-memory snapshot at startup.
func (s *Store) LoadCollections(ctx context.Context) ([]*schema.Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT def, version FROM collections ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}
	defer rows.Close()

	var cols []*schema.Collection
	for rows.Next() {
		var def string
		var version int64
		if err := rows.Scan(&def, &version); err != nil {
			return nil, fmt.Errorf("load collections: scan: %w", err)
		}
		var col schema.Collection
		if err := json.Unmarshal([]byte(def), &col); err != nil {
			return nil, fmt.Errorf("load collections: decode: %w", err)
		}
		col.Version = version
		cols = append(cols, &col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load collections: iterate: %w", err)
	}
	return cols, nil
}

// CountRecords returns the number of records in a collection.
// The registry uses this to allow otherwise-incompatible alterations on
// empty collections.
func (s *Store) CountRecords(ctx context.Context, name string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// isConstraintErr reports whether err is a SQLite constraint violation.
func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint
}
