package registry

import (
	"context"

	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

// Diff describes a schema alteration. Field identity is the name: Remove and
// Replace address existing fields, Add appends new ones. Backfill supplies
// raw JSON values written into existing records where the field is null,
// keyed by field name; a kind change purges old values first, so a backfill
// (or an empty collection) is what makes it compatible.
type Diff struct {
	Add      []schema.Field
	Remove   []string
	Replace  []schema.Field
	Rules    *schema.RuleSet
	Backfill map[string]any
}

// Alter applies a diff to a collection: validates compatibility against
// existing records, persists the new definition plus the implied data
// migration in one transaction, and publishes the new version.
//
// The version check is optimistic. The diff is computed against the snapshot
// version; if another alteration commits first, the store rejects this one
// with ErrSchemaChanged and the caller retries against the fresh definition.
func (r *Registry) Alter(ctx context.Context, name string, diff Diff) (*schema.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	cur, ok := snap.entries[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	old := cur.Collection

	next, cs, err := r.applyDiff(ctx, old, diff)
	if err != nil {
		return nil, err
	}
	if err := next.CheckDefinition(r.collectionExists(snap, name)); err != nil {
		return nil, err
	}
	entry, err := compileEntry(next)
	if err != nil {
		return nil, err
	}

	if err := r.store.AlterCollection(ctx, next, old.Version, cs); err != nil {
		return nil, err
	}
	r.publish(snap, entry, "")
	return next, nil
}

// applyDiff builds the next definition and the data-migration change set.
func (r *Registry) applyDiff(ctx context.Context, old *schema.Collection, diff Diff) (*schema.Collection, store.ChangeSet, error) {
	var cs store.ChangeSet
	cs.Backfill = map[string]schema.Value{}

	removed := make(map[string]bool, len(diff.Remove))
	for _, name := range diff.Remove {
		if _, ok := old.FieldByName(name); !ok {
			return nil, cs, schema.NewFieldError(name, "unknown field")
		}
		removed[name] = true
	}
	replaced := make(map[string]schema.Field, len(diff.Replace))
	for _, f := range diff.Replace {
		if _, ok := old.FieldByName(f.Name); !ok {
			return nil, cs, schema.NewFieldError(f.Name, "unknown field")
		}
		if removed[f.Name] {
			return nil, cs, schema.NewFieldError(f.Name, "cannot both remove and replace")
		}
		replaced[f.Name] = f
	}

	// needValue collects fields whose compatibility depends on a backfill
	// value (or the collection being empty).
	type pending struct {
		field  schema.Field
		reason string
	}
	var needValue []pending

	fields := make([]schema.Field, 0, len(old.Fields)+len(diff.Add))
	for _, f := range old.Fields {
		if removed[f.Name] {
			cs.Removed = append(cs.Removed, f.Name)
			if f.Unique {
				cs.RemovedUnique = append(cs.RemovedUnique, f.Name)
			}
			continue
		}
		next, ok := replaced[f.Name]
		if !ok {
			fields = append(fields, f)
			continue
		}
		fields = append(fields, next)

		if kindChanged(f, next) {
			// Old values are purged; the field starts over.
			cs.Removed = append(cs.Removed, f.Name)
			if f.Unique {
				cs.RemovedUnique = append(cs.RemovedUnique, f.Name)
			}
			if next.Unique {
				cs.AddedUnique = append(cs.AddedUnique, next)
			}
			if next.Required {
				needValue = append(needValue, pending{next, "kind change on a required field needs a backfill value"})
			}
		} else {
			if f.Unique && !next.Unique {
				cs.RemovedUnique = append(cs.RemovedUnique, f.Name)
			}
			if !f.Unique && next.Unique {
				cs.AddedUnique = append(cs.AddedUnique, next)
			}
			if !f.Required && next.Required {
				needValue = append(needValue, pending{next, "newly required field needs a default or backfill value"})
			}
		}
	}
	for _, f := range diff.Add {
		if _, ok := old.FieldByName(f.Name); ok && !removed[f.Name] {
			return nil, cs, schema.NewFieldError(f.Name, "already defined")
		}
		fields = append(fields, f)
		if f.Unique {
			cs.AddedUnique = append(cs.AddedUnique, f)
		}
		if f.Required {
			needValue = append(needValue, pending{f, "new required field needs a default or backfill value"})
		}
	}

	next := &schema.Collection{
		Name:    old.Name,
		Fields:  fields,
		Rules:   old.Rules,
		Version: old.Version + 1,
	}
	if diff.Rules != nil {
		next.Rules = *diff.Rules
	}

	// Coerce explicit backfill values against the new definitions.
	for name, raw := range diff.Backfill {
		f, ok := next.FieldByName(name)
		if !ok {
			return nil, cs, schema.NewFieldError(name, "unknown backfill field")
		}
		v, err := schema.Coerce(f.Kind, f.Elem, raw)
		if err != nil {
			return nil, cs, schema.NewFieldError(name, "backfill: %v", err)
		}
		cs.Backfill[name] = v
	}

	// Fields that need a value fall back to their default; with neither, the
	// change is only compatible against an empty collection.
	var empty *bool
	for _, p := range needValue {
		if _, ok := cs.Backfill[p.field.Name]; ok {
			continue
		}
		if p.field.Default != nil && !schema.IsNull(p.field.Default) {
			cs.Backfill[p.field.Name] = p.field.Default
			continue
		}
		if empty == nil {
			n, err := r.store.CountRecords(ctx, old.Name)
			if err != nil {
				return nil, cs, err
			}
			e := n == 0
			empty = &e
		}
		if !*empty {
			return nil, cs, &IncompatibleError{Field: p.field.Name, Reason: p.reason}
		}
	}

	return next, cs, nil
}

// kindChanged reports whether a replacement changes the field's value shape:
// its kind, its element kind, or its relation target.
func kindChanged(old, next schema.Field) bool {
	if old.Kind != next.Kind || old.Elem != next.Elem {
		return true
	}
	if old.Kind == schema.KindRelation && old.Collection != next.Collection {
		return true
	}
	if old.Kind == schema.KindArray && old.Elem == schema.KindRelation && old.Collection != next.Collection {
		return true
	}
	return false
}
