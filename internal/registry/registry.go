// Package registry holds the authoritative in-memory copy of every collection
// definition, with its compiled validator and parsed access rules.
//
// Reads go through an atomically swapped snapshot, so request handling never
// takes a lock. Schema mutations are serialized by a mutex and persisted
// through the store with optimistic version checks before the snapshot is
// swapped; a definition is never visible in memory unless it committed.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinybase/tinybase/internal/rules"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

// Entry is one collection's compiled runtime state: the definition, the
// validator closure reused by every write, and the parsed rules.
type Entry struct {
	Collection *schema.Collection
	Validator  *schema.Validator

	rules map[schema.Op]*rules.Rule
}

// Rule returns the parsed rule for an operation, or nil when the rule text is
// empty. A nil rule denies the operation (fail-closed).
func (e *Entry) Rule(op schema.Op) *rules.Rule {
	return e.rules[op]
}

type snapshot struct {
	entries map[string]*Entry
}

// Registry is the schema registry.
type Registry struct {
	store *store.Store

	mu   sync.Mutex // serializes Define/Alter/Delete
	snap atomic.Pointer[snapshot]
}

// New creates a Registry over the given store. Call Load before serving.
func New(st *store.Store) *Registry {
	r := &Registry{store: st}
	r.snap.Store(&snapshot{entries: map[string]*Entry{}})
	return r
}

// Load seeds the snapshot from the persisted collection definitions.
func (r *Registry) Load(ctx context.Context) error {
	cols, err := r.store.LoadCollections(ctx)
	if err != nil {
		return err
	}
	entries := make(map[string]*Entry, len(cols))
	for _, col := range cols {
		e, err := compileEntry(col)
		if err != nil {
			return err
		}
		entries[col.Name] = e
	}
	r.snap.Store(&snapshot{entries: entries})
	return nil
}

// Lookup returns the compiled entry for a collection.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.snap.Load().entries[name]
	return e, ok
}

// Collections returns every definition, sorted by name.
func (r *Registry) Collections() []*schema.Collection {
	entries := r.snap.Load().entries
	cols := make([]*schema.Collection, 0, len(entries))
	for _, e := range entries {
		cols = append(cols, e.Collection)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// References lists every relation field, in any collection, that targets the
// named collection. The store enforces cascade policies from this set when a
// record is deleted.
func (r *Registry) References(name string) []store.Reference {
	var refs []store.Reference
	for _, e := range r.snap.Load().entries {
		for _, f := range e.Collection.Fields {
			isArray := f.Kind == schema.KindArray && f.Elem == schema.KindRelation
			if f.Kind != schema.KindRelation && !isArray {
				continue
			}
			if f.Collection != name {
				continue
			}
			refs = append(refs, store.Reference{
				Collection: e.Collection.Name,
				Field:      f.Name,
				IsArray:    isArray,
				Unique:     f.Unique,
				Policy:     f.CascadeOrDefault(),
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Collection != refs[j].Collection {
			return refs[i].Collection < refs[j].Collection
		}
		return refs[i].Field < refs[j].Field
	})
	return refs
}

// Definition is the input to Define.
type Definition struct {
	Name   string
	Fields []schema.Field
	Rules  schema.RuleSet
}

// Define validates, persists and publishes a new collection at version 1.
func (r *Registry) Define(ctx context.Context, def Definition) (*schema.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	if _, exists := snap.entries[def.Name]; exists {
		return nil, store.ErrCollectionExists
	}

	col := &schema.Collection{
		Name:    def.Name,
		Fields:  def.Fields,
		Rules:   def.Rules,
		Version: 1,
	}
	if err := col.CheckDefinition(r.collectionExists(snap, def.Name)); err != nil {
		return nil, err
	}
	entry, err := compileEntry(col)
	if err != nil {
		return nil, err
	}

	if err := r.store.CreateCollection(ctx, col); err != nil {
		return nil, err
	}
	r.publish(snap, entry, "")
	return col, nil
}

// Delete removes a collection and its records. It fails with InUseError while
// any other collection has a relation field targeting it; self-references do
// not block.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	if _, ok := snap.entries[name]; !ok {
		return store.ErrNotFound
	}
	for _, ref := range r.References(name) {
		if ref.Collection != name {
			return &InUseError{By: ref.Collection, Field: ref.Field}
		}
	}

	if err := r.store.DeleteCollection(ctx, name); err != nil {
		return err
	}
	r.publish(snap, nil, name)
	return nil
}

// publish swaps in a new snapshot with entry added (when non-nil) and removed
// (when named). Callers hold r.mu.
func (r *Registry) publish(old *snapshot, entry *Entry, removed string) {
	entries := make(map[string]*Entry, len(old.entries)+1)
	for k, v := range old.entries {
		entries[k] = v
	}
	if removed != "" {
		delete(entries, removed)
	}
	if entry != nil {
		entries[entry.Collection.Name] = entry
	}
	r.snap.Store(&snapshot{entries: entries})
}

// collectionExists builds the existence predicate for definition checks.
// self always resolves, so self-referencing relations validate.
func (r *Registry) collectionExists(snap *snapshot, self string) func(string) bool {
	return func(name string) bool {
		if name == self {
			return true
		}
		_, ok := snap.entries[name]
		return ok
	}
}

// compileEntry parses the rules and compiles the validator for a definition.
func compileEntry(col *schema.Collection) (*Entry, error) {
	parsed := make(map[schema.Op]*rules.Rule, 4)
	for _, op := range []schema.Op{schema.OpView, schema.OpCreate, schema.OpUpdate, schema.OpDelete} {
		src := col.Rules.For(op)
		if src == "" {
			continue // absent rule denies; nothing to parse
		}
		rule, err := rules.Parse(src)
		if err != nil {
			return nil, &BadRuleError{Op: op, Cause: err}
		}
		parsed[op] = rule
	}
	return &Entry{
		Collection: col,
		Validator:  schema.CompileValidator(col),
		rules:      parsed,
	}, nil
}
