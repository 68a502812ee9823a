package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"devflow/internal/db"
	"devflow/internal/migrate"
	"devflow/internal/repo"
	"devflow/internal/store"
)

type testEnv struct {
	Store *store.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Store: st, Ctx: context.Background()}
}

func (env testEnv) mustCreate(t *testing.T, title string) string {
	t.Helper()
	item, err := env.Store.CreateItem(env.Ctx, store.CreateItemOptions{
		Title:      title,
		ReporterID: "tester",
	})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	return item.ID
}

func strPtr(s string) *string { return &s }

func TestCreateItemDefaults(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Store.CreateItem(env.Ctx, store.CreateItemOptions{
		Title:      "First item",
		ReporterID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.Type != "task" || item.Status != "open" || item.Priority != "medium" {
		t.Fatalf("unexpected defaults: %s/%s/%s", item.Type, item.Status, item.Priority)
	}
	if item.ClosedAt != nil {
		t.Fatalf("open item must not have closed_at")
	}
	got, err := env.Store.GetItem(env.Ctx, item.ID)
	if err != nil || got.Title != "First item" {
		t.Fatalf("get after create: %v", err)
	}
}

func TestCreateItemValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve store.ValidationError

	_, err := env.Store.CreateItem(env.Ctx, store.CreateItemOptions{ReporterID: "tester"})
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	_, err = env.Store.CreateItem(env.Ctx, store.CreateItemOptions{
		Title: "x", ReporterID: "tester", Type: "saga",
	})
	if !errors.As(err, &ve) || ve.Field != "type" {
		t.Fatalf("expected type validation error, got %v", err)
	}
	_, err = env.Store.CreateItem(env.Ctx, store.CreateItemOptions{
		Title: "x", ReporterID: "tester", ParentID: "missing",
	})
	if !errors.As(err, &ve) || ve.Field != "parent_id" {
		t.Fatalf("expected parent validation error, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, "lifecycle")

	item, err := env.Store.UpdateItem(env.Ctx, id, store.ItemPatch{Status: strPtr("in_progress"), ActorID: "tester"})
	if err != nil || item.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	item, err = env.Store.UpdateItem(env.Ctx, id, store.ItemPatch{Status: strPtr("closed"), ActorID: "tester"})
	if err != nil || item.Status != "closed" {
		t.Fatalf("to closed: %v", err)
	}
	if item.ClosedAt == nil {
		t.Fatalf("closed item must have closed_at")
	}

	// closed item can only reopen
	_, err = env.Store.UpdateItem(env.Ctx, id, store.ItemPatch{Status: strPtr("in_progress"), ActorID: "tester"})
	var te store.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	item, err = env.Store.UpdateItem(env.Ctx, id, store.ItemPatch{Status: strPtr("open"), ActorID: "tester"})
	if err != nil || item.Status != "open" {
		t.Fatalf("reopen: %v", err)
	}
	if item.ClosedAt != nil {
		t.Fatalf("reopened item must clear closed_at")
	}

	// open cannot jump straight to closed
	_, err = env.Store.UpdateItem(env.Ctx, id, store.ItemPatch{Status: strPtr("closed"), ActorID: "tester"})
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error for open->closed, got %v", err)
	}
}

func TestLinkRejectsDuplicatesAndSelfLoops(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")

	if _, err := env.Store.Link(env.Ctx, a, a, "relates_to", "", "tester"); err == nil {
		t.Fatalf("expected self-loop rejection")
	}
	if _, err := env.Store.Link(env.Ctx, a, b, "relates_to", "", "tester"); err != nil {
		t.Fatalf("link: %v", err)
	}
	_, err := env.Store.Link(env.Ctx, a, b, "relates_to", "", "tester")
	var ce store.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Same pair under a different type is a distinct edge.
	if _, err := env.Store.Link(env.Ctx, a, b, "duplicates", "", "tester"); err != nil {
		t.Fatalf("second type: %v", err)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")
	c := env.mustCreate(t, "c")

	if _, err := env.Store.Link(env.Ctx, a, b, "depends_on", "", "tester"); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if _, err := env.Store.Link(env.Ctx, b, c, "depends_on", "", "tester"); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	_, err := env.Store.Link(env.Ctx, c, a, "depends_on", "", "tester")
	var cy store.CycleError
	if !errors.As(err, &cy) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	// The rejected edge must not be stored.
	rels, err := env.Store.ListRelationships(env.Ctx, c)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rel := range rels {
		if rel.SourceID == c && rel.TargetID == a {
			t.Fatalf("cycle edge was persisted")
		}
	}
}

func TestBlocksIsInverseDependency(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")

	// a depends_on b means b blocks a; adding "a blocks b" closes the loop.
	if _, err := env.Store.Link(env.Ctx, a, b, "depends_on", "", "tester"); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	_, err := env.Store.Link(env.Ctx, a, b, "blocks", "", "tester")
	var cy store.CycleError
	if !errors.As(err, &cy) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	// The non-cyclic direction is fine.
	if _, err := env.Store.Link(env.Ctx, b, a, "blocks", "", "tester"); err != nil {
		t.Fatalf("b blocks a: %v", err)
	}
}

func TestParentCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")

	if _, err := env.Store.UpdateItem(env.Ctx, b, store.ItemPatch{ParentID: &a, ActorID: "tester"}); err != nil {
		t.Fatalf("set parent: %v", err)
	}
	_, err := env.Store.UpdateItem(env.Ctx, a, store.ItemPatch{ParentID: &b, ActorID: "tester"})
	var cy store.CycleError
	if !errors.As(err, &cy) {
		t.Fatalf("expected parent cycle error, got %v", err)
	}
	// Clearing the parent works with an empty pointer.
	item, err := env.Store.UpdateItem(env.Ctx, b, store.ItemPatch{ParentID: strPtr(""), ActorID: "tester"})
	if err != nil || item.ParentID != nil {
		t.Fatalf("clear parent: %v", err)
	}
}

func TestGetGraphDepth(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")
	c := env.mustCreate(t, "c")

	if _, err := env.Store.Link(env.Ctx, a, b, "depends_on", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.Link(env.Ctx, b, c, "depends_on", "", "tester"); err != nil {
		t.Fatal(err)
	}

	g, err := env.Store.GetGraph(env.Ctx, a, 1)
	if err != nil {
		t.Fatalf("graph depth 1: %v", err)
	}
	if len(g.Items) != 2 || len(g.Relationships) != 1 {
		t.Fatalf("depth 1: got %d items, %d rels", len(g.Items), len(g.Relationships))
	}

	g, err = env.Store.GetGraph(env.Ctx, a, 2)
	if err != nil {
		t.Fatalf("graph depth 2: %v", err)
	}
	if len(g.Items) != 3 || len(g.Relationships) != 2 {
		t.Fatalf("depth 2: got %d items, %d rels", len(g.Items), len(g.Relationships))
	}
}

func TestGetGraphEdgesBetweenOutermostItems(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")
	c := env.mustCreate(t, "c")

	// b and c are both one hop from a and linked to each other.
	if _, err := env.Store.Link(env.Ctx, a, b, "relates_to", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.Link(env.Ctx, a, c, "relates_to", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.Link(env.Ctx, b, c, "relates_to", "", "tester"); err != nil {
		t.Fatal(err)
	}

	g, err := env.Store.GetGraph(env.Ctx, a, 1)
	if err != nil {
		t.Fatalf("graph depth 1: %v", err)
	}
	if len(g.Items) != 3 {
		t.Fatalf("depth 1: got %d items, want 3", len(g.Items))
	}
	if len(g.Relationships) != 3 {
		t.Fatalf("depth 1: got %d rels, want 3 including the b-c edge", len(g.Relationships))
	}
	found := false
	for _, rel := range g.Relationships {
		if rel.SourceID == b && rel.TargetID == c {
			found = true
		}
	}
	if !found {
		t.Fatalf("edge between the two outermost items missing from graph")
	}
}

func TestDeleteItemCascadesRelationships(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "a")
	b := env.mustCreate(t, "b")

	if _, err := env.Store.Link(env.Ctx, a, b, "relates_to", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Store.DeleteItem(env.Ctx, a, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Store.GetItem(env.Ctx, a); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	rels, err := env.Store.ListRelationships(env.Ctx, b)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rels) != 0 {
		t.Fatalf("expected cascade delete of relationships, got %d", len(rels))
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, "audited")
	if _, err := env.Store.UpdateItem(env.Ctx, id, store.ItemPatch{Status: strPtr("in_progress"), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	events, err := env.Store.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityID: id})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var created, updated bool
	for _, evt := range events {
		switch evt.Type {
		case "item.created":
			created = true
		case "item.updated":
			updated = true
			if evt.ActorID != "tester" {
				t.Fatalf("expected actor attribution, got %q", evt.ActorID)
			}
		}
	}
	if !created || !updated {
		t.Fatalf("missing lifecycle events: created=%v updated=%v", created, updated)
	}
}
