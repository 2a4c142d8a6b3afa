package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinybase/tinybase/internal/bus"
	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

type fixture struct {
	eng *Engine
	st  *store.Store
	reg *registry.Registry
	bus *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(st)
	require.NoError(t, reg.Load(context.Background()))
	b := bus.New(bus.WithLogger(quiet))
	eng := New(reg, st, b, WithLogger(quiet))
	return &fixture{eng: eng, st: st, reg: reg, bus: b}
}

var adminSes = Session{Auth: &Identity{Admin: true}}

func userSes(id string) Session {
	return Session{Auth: &Identity{Claims: map[string]any{"id": id}}}
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	ee, ok := AsError(err)
	require.True(t, ok, "expected an engine error, got %v", err)
	require.Equal(t, code, ee.Code)
	return ee
}

// definePosts sets up the posts collection: visible when published or owned,
// creatable by any authenticated user, updatable by the author only.
func definePosts(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.eng.DefineCollection(context.Background(), adminSes, registry.Definition{
		Name: "posts",
		Fields: []schema.Field{
			{Name: "title", Kind: schema.KindText, Required: true},
			{Name: "published", Kind: schema.KindBool, Default: schema.Bool(false)},
			{Name: "author", Kind: schema.KindText},
		},
		Rules: schema.RuleSet{
			View:   "published = true || author = @request.auth.id",
			Create: "@request.auth.id != null",
			Update: "author = @request.auth.id",
			Delete: "author = @request.auth.id",
		},
	})
	require.NoError(t, err)
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	rec, err := f.eng.Create(context.Background(), userSes("u1"), "posts",
		map[string]any{"title": "x", "author": "u1"}, nil)
	require.NoError(t, err)
	require.Equal(t, false, rec["published"], "bool default applies to an absent field")
	require.NotEmpty(t, rec["id"])
	require.NotEmpty(t, rec["created"])
}

func TestCreateMissingRequiredField(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	_, err := f.eng.Create(context.Background(), userSes("u1"), "posts", map[string]any{}, nil)
	ee := requireCode(t, err, CodeValidationFailed)
	require.Equal(t, "title", ee.Field)
}

func TestCreateUnknownField(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	_, err := f.eng.Create(context.Background(), userSes("u1"), "posts",
		map[string]any{"title": "x", "bogus": 1}, nil)
	ee := requireCode(t, err, CodeValidationFailed)
	require.Equal(t, "bogus", ee.Field)
}

func TestCreateForbiddenForAnonymous(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	_, err := f.eng.Create(context.Background(), Session{}, "posts",
		map[string]any{"title": "x"}, nil)
	requireCode(t, err, CodeForbidden)
}

func TestUnknownCollection(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.View(context.Background(), adminSes, "nope", "id", nil)
	requireCode(t, err, CodeNotFound)
}

func TestViewRuleGates(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	rec, err := f.eng.Create(ctx, userSes("u1"), "posts",
		map[string]any{"title": "draft", "author": "u1"}, nil)
	require.NoError(t, err)
	id := rec["id"].(string)

	// Unpublished: visible to its author, hidden from everyone else.
	_, err = f.eng.View(ctx, userSes("u1"), "posts", id, nil)
	require.NoError(t, err)
	_, err = f.eng.View(ctx, userSes("u2"), "posts", id, nil)
	requireCode(t, err, CodeForbidden)
	_, err = f.eng.View(ctx, Session{}, "posts", id, nil)
	requireCode(t, err, CodeForbidden)

	// A denied record and a missing record answer identically.
	_, err = f.eng.View(ctx, userSes("u2"), "posts", "no-such-id", nil)
	requireCode(t, err, CodeForbidden)
}

func TestFailClosedWithoutViewRule(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.DefineCollection(context.Background(), adminSes, registry.Definition{
		Name:   "secrets",
		Fields: []schema.Field{{Name: "value", Kind: schema.KindText}},
	})
	require.NoError(t, err)

	_, err = f.eng.List(context.Background(), Session{}, "secrets", ListRequest{})
	requireCode(t, err, CodeForbidden)

	// Admin still sees the collection.
	page, err := f.eng.List(context.Background(), adminSes, "secrets", ListRequest{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestUpdateOwnershipForbidden(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	rec, err := f.eng.Create(ctx, userSes("u1"), "posts",
		map[string]any{"title": "x", "author": "u1", "published": true}, nil)
	require.NoError(t, err)
	id := rec["id"].(string)

	// The post is visible to u2 (published) but not updatable.
	_, err = f.eng.Update(ctx, userSes("u2"), "posts", id,
		map[string]any{"published": false}, nil)
	requireCode(t, err, CodeForbidden)

	upd, err := f.eng.Update(ctx, userSes("u1"), "posts", id,
		map[string]any{"published": false}, nil)
	require.NoError(t, err)
	require.Equal(t, false, upd["published"])
}

func TestUpdateRuleSeesPreMutationRecord(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	rec, err := f.eng.Create(ctx, userSes("u1"), "posts",
		map[string]any{"title": "x", "author": "u1", "published": true}, nil)
	require.NoError(t, err)
	id := rec["id"].(string)

	// u2 cannot claim the post by writing author=u2 in the same patch: the
	// rule runs against the record as it was before the patch.
	_, err = f.eng.Update(ctx, userSes("u2"), "posts", id,
		map[string]any{"author": "u2"}, nil)
	requireCode(t, err, CodeForbidden)
}

func TestUniqueConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.DefineCollection(context.Background(), adminSes, registry.Definition{
		Name:   "users",
		Fields: []schema.Field{{Name: "email", Kind: schema.KindText, Required: true, Unique: true}},
		Rules:  schema.RuleSet{Create: "true"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.eng.Create(ctx, userSes("u1"), "users", map[string]any{"email": "a@b.c"}, nil)
	require.NoError(t, err)

	_, err = f.eng.Create(ctx, userSes("u1"), "users", map[string]any{"email": "a@b.c"}, nil)
	ee := requireCode(t, err, CodeConflict)
	require.Equal(t, "email", ee.Field)
}

func TestEventOrderingPerRecord(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	sub := f.bus.Subscribe("posts", func(bus.Event) bool { return true })
	defer sub.Close()

	rec, err := f.eng.Create(ctx, adminSes, "posts", map[string]any{"title": "v1"}, nil)
	require.NoError(t, err)
	id := rec["id"].(string)
	_, err = f.eng.Update(ctx, adminSes, "posts", id, map[string]any{"title": "v2"}, nil)
	require.NoError(t, err)
	require.NoError(t, f.eng.Delete(ctx, adminSes, "posts", id))

	want := []bus.Kind{bus.KindCreate, bus.KindUpdate, bus.KindDelete}
	for _, kind := range want {
		d, err := sub.Next(ctx)
		require.NoError(t, err)
		require.False(t, d.Gap)
		require.Equal(t, kind, d.Event.Kind)
		require.Equal(t, id, d.Event.RecordID)
	}
}

// knownID always generates the same record id, so a test can take the
// record's stripe lock before the create runs.
type knownID string

func (k knownID) Generate() string { return string(k) }

func TestCreateHoldsRecordLockAcrossInsertAndPublish(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithIDGenerator(knownID("rec-1")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(st)
	require.NoError(t, reg.Load(context.Background()))
	b := bus.New(bus.WithLogger(quiet))
	eng := New(reg, st, b, WithLogger(quiet))
	f := &fixture{eng: eng, st: st, reg: reg, bus: b}
	definePosts(t, f)
	ctx := context.Background()

	sub := b.Subscribe("posts", func(bus.Event) bool { return true })
	defer sub.Close()

	// Holding the record's lock must stall the create before its insert, so
	// no concurrent mutation on the same id can slip between the row
	// appearing and the create event going out.
	lock := eng.recordLock("posts", "rec-1")
	lock.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Create(ctx, adminSes, "posts", map[string]any{"title": "x"}, nil)
		done <- err
	}()

	entry, ok := reg.Lookup("posts")
	require.True(t, ok)
	require.Never(t, func() bool {
		_, err := st.Get(ctx, entry.Collection, "rec-1")
		return err == nil
	}, 100*time.Millisecond, 10*time.Millisecond, "insert must wait for the record lock")

	lock.Unlock()
	require.NoError(t, <-done)

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, bus.KindCreate, d.Event.Kind)
	require.Equal(t, "rec-1", d.Event.RecordID)
}

func TestListFilterIntersectsViewRule(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	for _, p := range []struct {
		title     string
		published bool
	}{
		{"xray", true}, {"xenon", false}, {"yak", true},
	} {
		_, err := f.eng.Create(ctx, adminSes, "posts",
			map[string]any{"title": p.title, "author": "admin", "published": p.published}, nil)
		require.NoError(t, err)
	}

	// Anonymous callers see published posts only; the filter cannot widen
	// that, only narrow it.
	page, err := f.eng.List(ctx, Session{}, "posts", ListRequest{Filter: `title ~ "x"`})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "xray", page.Items[0]["title"])
}

func TestListRejectsNonIndexableFilter(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	_, err := f.eng.List(context.Background(), adminSes, "posts",
		ListRequest{Filter: `!(title = "x")`})
	ee := requireCode(t, err, CodeValidationFailed)
	require.Equal(t, "filter", ee.Field)
}

func TestListSortValidation(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	_, err := f.eng.List(context.Background(), adminSes, "posts", ListRequest{Sort: "-bogus"})
	ee := requireCode(t, err, CodeValidationFailed)
	require.Equal(t, "sort", ee.Field)
}

func TestExpandRelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.DefineCollection(ctx, adminSes, registry.Definition{
		Name:   "authors",
		Fields: []schema.Field{{Name: "name", Kind: schema.KindText, Required: true}},
		Rules:  schema.RuleSet{View: "true"},
	})
	require.NoError(t, err)
	_, err = f.eng.DefineCollection(ctx, adminSes, registry.Definition{
		Name: "articles",
		Fields: []schema.Field{
			{Name: "title", Kind: schema.KindText, Required: true},
			{Name: "author", Kind: schema.KindRelation, Collection: "authors"},
		},
		Rules: schema.RuleSet{View: "true"},
	})
	require.NoError(t, err)

	author, err := f.eng.Create(ctx, adminSes, "authors", map[string]any{"name": "Ana"}, nil)
	require.NoError(t, err)
	article, err := f.eng.Create(ctx, adminSes, "articles",
		map[string]any{"title": "t", "author": author["id"]}, nil)
	require.NoError(t, err)

	got, err := f.eng.View(ctx, userSes("u1"), "articles", article["id"].(string), []string{"author"})
	require.NoError(t, err)
	expanded, ok := got["expand"].(map[string]any)
	require.True(t, ok)
	embedded, ok := expanded["author"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Ana", embedded["name"])

	// Hide authors from non-admins: expansion silently omits the hop.
	_, err = f.eng.AlterCollection(ctx, adminSes, "authors", registry.Diff{
		Rules: &schema.RuleSet{},
	})
	require.NoError(t, err)

	got, err = f.eng.View(ctx, userSes("u1"), "articles", article["id"].(string), []string{"author"})
	require.NoError(t, err)
	require.NotContains(t, got, "expand")
}

func TestExpandDepthLimit(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)

	_, err := f.eng.List(context.Background(), adminSes, "posts", ListRequest{
		Expand: []string{"a.b.c.d.e.f.g"},
	})
	ee := requireCode(t, err, CodeValidationFailed)
	require.Equal(t, "expand", ee.Field)
}

func TestDeleteEmitsLastState(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	rec, err := f.eng.Create(ctx, adminSes, "posts", map[string]any{"title": "bye"}, nil)
	require.NoError(t, err)
	id := rec["id"].(string)

	sub := f.bus.Subscribe("posts", func(bus.Event) bool { return true })
	defer sub.Close()

	require.NoError(t, f.eng.Delete(ctx, adminSes, "posts", id))

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, bus.KindDelete, d.Event.Kind)
	require.Equal(t, "bye", d.Event.Record["title"])
}

func TestIncompatibleAlter(t *testing.T) {
	f := newFixture(t)
	definePosts(t, f)
	ctx := context.Background()

	_, err := f.eng.Create(ctx, adminSes, "posts", map[string]any{"title": "x"}, nil)
	require.NoError(t, err)

	_, err = f.eng.AlterCollection(ctx, adminSes, "posts", registry.Diff{
		Add: []schema.Field{{Name: "slug", Kind: schema.KindText, Required: true}},
	})
	ee := requireCode(t, err, CodeIncompatibleSchemaChange)
	require.Equal(t, "slug", ee.Field)
}

func TestSchemaOpsRequireAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.DefineCollection(context.Background(), userSes("u1"), registry.Definition{
		Name:   "things",
		Fields: []schema.Field{{Name: "x", Kind: schema.KindText}},
	})
	requireCode(t, err, CodeForbidden)

	_, err = f.eng.Collections(Session{})
	requireCode(t, err, CodeForbidden)
}
