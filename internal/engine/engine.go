// Package engine is the CRUD executor: every record operation runs the same
// pipeline of resolve, authorize, validate, execute, expand, emit.
//
// The engine owns the error taxonomy. Components underneath it return their
// own error values; nothing crosses the API boundary unclassified.
package engine

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinybase/tinybase/internal/bus"
	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/rules"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

const (
	defaultMaxExpandDepth = 6
	recordLockStripes     = 64
)

// Identity is the authenticated caller, resolved by the transport layer.
// A nil *Identity is an anonymous request. Admin requests bypass rules.
type Identity struct {
	Admin  bool
	Claims map[string]any
}

// Session carries the per-request rule context inputs: the caller identity
// and the request query parameters visible to rules as @request.query.*.
type Session struct {
	Auth  *Identity
	Query map[string]string
}

func (s Session) admin() bool { return s.Auth != nil && s.Auth.Admin }

func (s Session) claims() map[string]any {
	if s.Auth == nil {
		return nil
	}
	return s.Auth.Claims
}

// Engine executes record and schema operations.
type Engine struct {
	reg   *registry.Registry
	store *store.Store
	bus   *bus.Bus
	log   *slog.Logger

	maxExpandDepth int

	// locks serialize write+publish per record, so one subscriber sees one
	// record's events in commit order.
	locks [recordLockStripes]sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMaxExpandDepth caps relation expansion path length.
func WithMaxExpandDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxExpandDepth = n
		}
	}
}

// New creates an Engine over its collaborators.
func New(reg *registry.Registry, st *store.Store, b *bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		reg:            reg,
		store:          st,
		bus:            b,
		log:            slog.Default(),
		maxExpandDepth: defaultMaxExpandDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// fail classifies err and logs internal faults with the failing operation.
func (e *Engine) fail(op string, err error) error {
	ee := classify(err)
	if ee.Code == CodeInternal {
		e.log.Error("operation failed", "op", op, "error", err)
	}
	return ee
}

// resolve looks the collection up in the registry snapshot.
func (e *Engine) resolve(name string) (*registry.Entry, error) {
	entry, ok := e.reg.Lookup(name)
	if !ok {
		return nil, errNotFound("collection")
	}
	return entry, nil
}

// recordLock returns the stripe serializing writes to one record.
func (e *Engine) recordLock(collection, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return &e.locks[h.Sum32()%recordLockStripes]
}

// ruleCtx builds the rule evaluation context. record is nil for create and
// list prechecks, where no candidate record exists yet.
func (e *Engine) ruleCtx(ses Session, record map[string]any) rules.Context {
	return rules.Context{
		Auth:   ses.claims(),
		Record: record,
		Query:  ses.Query,
	}
}

// allowed evaluates a collection's rule for an operation. Admin bypasses;
// an absent rule denies.
func (e *Engine) allowed(ses Session, entry *registry.Entry, op schema.Op, record map[string]any) bool {
	if ses.admin() {
		return true
	}
	rule := entry.Rule(op)
	if rule == nil {
		return false
	}
	return rules.Evaluate(rule, e.ruleCtx(ses, record))
}

// coerceFields converts a raw JSON body into typed field values. Keys are
// processed in sorted order so the first failing field is deterministic.
// Explicit nulls coerce to Null, clearing the field.
func coerceFields(col *schema.Collection, raw map[string]any) (schema.Fields, []string, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(schema.Fields, len(raw))
	for _, name := range names {
		f, ok := col.FieldByName(name)
		if !ok {
			return nil, nil, errValidation(name, "unknown field")
		}
		rv := raw[name]
		if rv == nil {
			fields[name] = schema.Null{}
			continue
		}
		v, err := schema.Coerce(f.Kind, f.Elem, rv)
		if err != nil {
			return nil, nil, errValidation(name, err.Error())
		}
		fields[name] = v
	}
	return fields, names, nil
}

// publish emits a mutation event with the record's rule-shaped state.
func (e *Engine) publish(kind bus.Kind, rec *store.Record) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:       kind,
		Collection: rec.Collection,
		RecordID:   rec.ID,
		Record:     rec.EvalMap(),
	})
}
