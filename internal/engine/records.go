package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/tinybase/tinybase/internal/bus"
	"github.com/tinybase/tinybase/internal/rules"
	"github.com/tinybase/tinybase/internal/rulesql"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

// maxPageSize caps client-requested list page sizes.
const maxPageSize = 200

// Create validates and persists a new record, returning its rendered form.
func (e *Engine) Create(ctx context.Context, ses Session, collection string, raw map[string]any, expand []string) (map[string]any, error) {
	entry, err := e.resolve(collection)
	if err != nil {
		return nil, err
	}
	paths, err := e.parseExpand(expand)
	if err != nil {
		return nil, err
	}
	// The create rule runs without a candidate record; record references
	// evaluate false in this context.
	if !e.allowed(ses, entry, schema.OpCreate, nil) {
		return nil, errForbidden()
	}

	fields, _, err := coerceFields(entry.Collection, raw)
	if err != nil {
		return nil, err
	}
	fields = entry.Validator.ApplyDefaults(fields)
	if err := entry.Validator.Validate(fields); err != nil {
		return nil, e.fail("create", err)
	}

	rec, err := e.insertAndPublish(ctx, entry.Collection, fields)
	if errors.Is(err, store.ErrIDConflict) {
		// Pure storage race on the generated id: retry once with a fresh id,
		// without re-running rules or validation.
		rec, err = e.insertAndPublish(ctx, entry.Collection, fields)
	}
	if err != nil {
		return nil, e.fail("create", err)
	}
	return e.render(ctx, ses, entry, rec, paths), nil
}

// insertAndPublish generates the new record's id up front so its stripe lock
// can be held across the insert and the create event, the same way Update and
// Delete hold it across write+publish. Without it a concurrent update on the
// freshly committed id could publish before the create event.
func (e *Engine) insertAndPublish(ctx context.Context, col *schema.Collection, fields schema.Fields) (*store.Record, error) {
	id := e.store.NewID()
	lock := e.recordLock(col.Name, id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.store.Insert(ctx, col, id, fields)
	if err != nil {
		return nil, err
	}
	e.publish(bus.KindCreate, rec)
	return rec, nil
}

// View fetches one record, gated by the view rule.
func (e *Engine) View(ctx context.Context, ses Session, collection, id string, expand []string) (map[string]any, error) {
	entry, err := e.resolve(collection)
	if err != nil {
		return nil, err
	}
	paths, err := e.parseExpand(expand)
	if err != nil {
		return nil, err
	}

	rec, err := e.store.Get(ctx, entry.Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.recordDenied(ses)
		}
		return nil, e.fail("view", err)
	}
	if !e.allowed(ses, entry, schema.OpView, rec.EvalMap()) {
		return nil, errForbidden()
	}
	return e.render(ctx, ses, entry, rec, paths), nil
}

// ListRequest parameterizes List. Sort is a field name, "-"-prefixed for
// descending. Filter is rule-grammar text restricted to the indexable subset.
type ListRequest struct {
	Filter string
	Sort   string
	Cursor string
	Limit  int
	Expand []string
}

// ListResponse is one page of visible records.
type ListResponse struct {
	Items      []map[string]any
	NextCursor string
}

// List returns records matching the client filter that the caller's view
// rule admits. The filter is ANDed with the view rule, never substituted for
// it: the filter runs in SQL, the view rule in-process per candidate, so a
// page can come back short without being final.
func (e *Engine) List(ctx context.Context, ses Session, collection string, req ListRequest) (*ListResponse, error) {
	entry, err := e.resolve(collection)
	if err != nil {
		return nil, err
	}
	if !ses.admin() && entry.Rule(schema.OpView) == nil {
		return nil, errForbidden()
	}
	paths, err := e.parseExpand(req.Expand)
	if err != nil {
		return nil, err
	}

	var filter rules.Expr
	if req.Filter != "" {
		parsed, err := rules.Parse(req.Filter)
		if err != nil {
			return nil, errValidation("filter", err.Error())
		}
		filter = rules.Bind(parsed.Expr(), e.ruleCtx(ses, nil))
		if _, _, err := rulesql.New("data").Compile(filter); err != nil {
			return nil, errValidation("filter", err.Error())
		}
	}

	sortKey, err := parseSort(entry.Collection, req.Sort)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit < 0 {
		limit = 0
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	page, err := e.store.List(ctx, entry.Collection, store.ListOptions{
		Filter: filter,
		Sort:   sortKey,
		Limit:  limit,
		Cursor: req.Cursor,
	})
	if err != nil {
		return nil, e.fail("list", err)
	}

	items := make([]map[string]any, 0, len(page.Records))
	for _, rec := range page.Records {
		if !e.allowed(ses, entry, schema.OpView, rec.EvalMap()) {
			continue
		}
		items = append(items, e.render(ctx, ses, entry, rec, paths))
	}
	return &ListResponse{Items: items, NextCursor: page.NextCursor}, nil
}

// Update applies a partial patch. Authorization runs against the
// pre-mutation record, so a patch cannot rewrite the very field its
// ownership check depends on to escape it.
func (e *Engine) Update(ctx context.Context, ses Session, collection, id string, raw map[string]any, expand []string) (map[string]any, error) {
	entry, err := e.resolve(collection)
	if err != nil {
		return nil, err
	}
	paths, err := e.parseExpand(expand)
	if err != nil {
		return nil, err
	}

	lock := e.recordLock(collection, id)
	lock.Lock()
	defer lock.Unlock()

	pre, err := e.store.Get(ctx, entry.Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.recordDenied(ses)
		}
		return nil, e.fail("update", err)
	}
	preMap := pre.EvalMap()
	if !e.allowed(ses, entry, schema.OpView, preMap) {
		return nil, errForbidden()
	}
	if !e.allowed(ses, entry, schema.OpUpdate, preMap) {
		return nil, errForbidden()
	}

	patch, touched, err := coerceFields(entry.Collection, raw)
	if err != nil {
		return nil, err
	}
	if err := entry.Validator.ValidateTouched(patch, touched); err != nil {
		return nil, e.fail("update", err)
	}

	rec, err := e.store.Update(ctx, entry.Collection, id, patch, touched)
	if err != nil {
		return nil, e.fail("update", err)
	}

	e.publish(bus.KindUpdate, rec)
	return e.render(ctx, ses, entry, rec, paths), nil
}

// Delete removes a record, cascading per the relation fields that target its
// collection. The delete event carries the record's last state.
func (e *Engine) Delete(ctx context.Context, ses Session, collection, id string) error {
	entry, err := e.resolve(collection)
	if err != nil {
		return err
	}

	lock := e.recordLock(collection, id)
	lock.Lock()
	defer lock.Unlock()

	pre, err := e.store.Get(ctx, entry.Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.recordDenied(ses)
		}
		return e.fail("delete", err)
	}
	preMap := pre.EvalMap()
	if !e.allowed(ses, entry, schema.OpView, preMap) {
		return errForbidden()
	}
	if !e.allowed(ses, entry, schema.OpDelete, preMap) {
		return errForbidden()
	}

	if err := e.store.Delete(ctx, entry.Collection, id, e.reg.References(collection)); err != nil {
		return e.fail("delete", err)
	}

	e.publish(bus.KindDelete, pre)
	return nil
}

// recordDenied is the response for a record that does not exist: NotFound
// for admins, Forbidden for everyone else, indistinguishable from a rule
// denial so existence never leaks.
func (e *Engine) recordDenied(ses Session) error {
	if ses.admin() {
		return errNotFound("record")
	}
	return errForbidden()
}

// parseSort resolves a client sort parameter against the collection.
func parseSort(col *schema.Collection, s string) (*store.SortKey, error) {
	if s == "" {
		return nil, nil
	}
	key := store.SortKey{Field: s}
	if strings.HasPrefix(s, "-") {
		key.Field = s[1:]
		key.Desc = true
	}
	switch key.Field {
	case "id", "created", "updated":
		return &key, nil
	}
	f, ok := col.FieldByName(key.Field)
	if !ok {
		return nil, errValidation("sort", "unknown field "+key.Field)
	}
	if f.Kind == schema.KindJSON || f.Kind == schema.KindArray {
		return nil, errValidation("sort", "cannot sort on "+string(f.Kind)+" field")
	}
	return &key, nil
}
