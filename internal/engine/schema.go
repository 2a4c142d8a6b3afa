package engine

import (
	"context"

	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
)

// Schema operations are admin-only; they wrap the registry and translate its
// errors into the executor taxonomy.

// DefineCollection creates a new collection.
func (e *Engine) DefineCollection(ctx context.Context, ses Session, def registry.Definition) (*schema.Collection, error) {
	if !ses.admin() {
		return nil, errForbidden()
	}
	col, err := e.reg.Define(ctx, def)
	if err != nil {
		return nil, e.fail("define collection", err)
	}
	e.log.Info("collection defined", "collection", col.Name)
	return col, nil
}

// AlterCollection applies a field diff and/or rule replacement.
func (e *Engine) AlterCollection(ctx context.Context, ses Session, name string, diff registry.Diff) (*schema.Collection, error) {
	if !ses.admin() {
		return nil, errForbidden()
	}
	col, err := e.reg.Alter(ctx, name, diff)
	if err != nil {
		return nil, e.fail("alter collection", err)
	}
	e.log.Info("collection altered", "collection", col.Name, "version", col.Version)
	return col, nil
}

// DeleteCollection removes a collection and all of its records.
func (e *Engine) DeleteCollection(ctx context.Context, ses Session, name string) error {
	if !ses.admin() {
		return errForbidden()
	}
	if err := e.reg.Delete(ctx, name); err != nil {
		return e.fail("delete collection", err)
	}
	e.log.Info("collection deleted", "collection", name)
	return nil
}

// Collections lists every definition.
func (e *Engine) Collections(ses Session) ([]*schema.Collection, error) {
	if !ses.admin() {
		return nil, errForbidden()
	}
	return e.reg.Collections(), nil
}

// Collection returns one definition.
func (e *Engine) Collection(ses Session, name string) (*schema.Collection, error) {
	if !ses.admin() {
		return nil, errForbidden()
	}
	entry, ok := e.reg.Lookup(name)
	if !ok {
		return nil, errNotFound("collection")
	}
	return entry.Collection, nil
}
