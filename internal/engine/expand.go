package engine

import (
	"context"
	"strings"

	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

// parseExpand splits expand parameters into relation paths and bounds their
// depth. Expansion is depth-limited rather than cycle-detected: a path is
// finite, so self-referencing schemas cannot recurse past the cap.
func (e *Engine) parseExpand(expand []string) ([][]string, error) {
	if len(expand) == 0 {
		return nil, nil
	}
	paths := make([][]string, 0, len(expand))
	for _, p := range expand {
		if p == "" {
			continue
		}
		segs := strings.Split(p, ".")
		if len(segs) > e.maxExpandDepth {
			return nil, errValidation("expand", "path too deep: "+p)
		}
		paths = append(paths, segs)
	}
	return paths, nil
}

// render converts a record to its response form, resolving requested
// relation paths inline under an "expand" key. Each hop is fetched through
// the store, never joined, and is subject to the target collection's own
// view rule for this caller; hops that are null, missing, or not visible are
// omitted rather than failing the request.
func (e *Engine) render(ctx context.Context, ses Session, entry *registry.Entry, rec *store.Record, paths [][]string) map[string]any {
	m := rec.EvalMap()
	if len(paths) == 0 {
		return m
	}

	// Group by first hop so author and author.company expand author once.
	heads := map[string][][]string{}
	var order []string
	for _, path := range paths {
		head := path[0]
		if _, seen := heads[head]; !seen {
			order = append(order, head)
		}
		heads[head] = append(heads[head], path[1:])
	}

	expanded := map[string]any{}
	for _, head := range order {
		rest := nonEmpty(heads[head])
		f, ok := entry.Collection.FieldByName(head)
		if !ok {
			continue
		}
		target, ok := e.reg.Lookup(f.Collection)
		if !ok {
			continue
		}
		switch {
		case f.Kind == schema.KindRelation:
			if em := e.expandHop(ctx, ses, target, rec.Fields[head], rest); em != nil {
				expanded[head] = em
			}
		case f.Kind == schema.KindArray && f.Elem == schema.KindRelation:
			arr, ok := rec.Fields[head].(schema.Array)
			if !ok {
				continue
			}
			items := make([]map[string]any, 0, len(arr))
			for _, item := range arr {
				if em := e.expandHop(ctx, ses, target, item, rest); em != nil {
					items = append(items, em)
				}
			}
			if len(items) > 0 {
				expanded[head] = items
			}
		}
	}
	if len(expanded) > 0 {
		m["expand"] = expanded
	}
	return m
}

// expandHop resolves one relation value into its rendered target record, or
// nil when the hop cannot or may not be resolved.
func (e *Engine) expandHop(ctx context.Context, ses Session, target *registry.Entry, v schema.Value, rest [][]string) map[string]any {
	rel, ok := v.(schema.Relation)
	if !ok {
		return nil
	}
	rec, err := e.store.Get(ctx, target.Collection, string(rel))
	if err != nil {
		return nil
	}
	if !e.allowed(ses, target, schema.OpView, rec.EvalMap()) {
		return nil
	}
	return e.render(ctx, ses, target, rec, rest)
}

func nonEmpty(paths [][]string) [][]string {
	out := paths[:0]
	for _, p := range paths {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}
