// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/lattice/store"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run runs the shared store tests against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAssignsID", func(t *testing.T) { testSaveAssignsID(t, newStore(t)) })
	t.Run("SaveIncrementsVersion", func(t *testing.T) { testSaveIncrementsVersion(t, newStore(t)) })
	t.Run("SaveStaleVersion", func(t *testing.T) { testSaveStaleVersion(t, newStore(t)) })
	t.Run("SaveDoesNotModifyInput", func(t *testing.T) { testSaveDoesNotModifyInput(t, newStore(t)) })
	t.Run("LoadNotFound", func(t *testing.T) { testLoadNotFound(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Links", func(t *testing.T) { testLinks(t, newStore(t)) })
	t.Run("PutLinkReplaces", func(t *testing.T) { testPutLinkReplaces(t, newStore(t)) })
	t.Run("RemoveMissingLink", func(t *testing.T) { testRemoveMissingLink(t, newStore(t)) })
	t.Run("TransactionCommit", func(t *testing.T) { testTransactionCommit(t, newStore(t)) })
	t.Run("TransactionRollback", func(t *testing.T) { testTransactionRollback(t, newStore(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newStore(t)) })
}

// MustSave saves a new record of typ or fails the test.
func MustSave(t *testing.T, s store.Tx, typ string, fields map[string]any) *store.Record {
	t.Helper()
	rec, err := s.Save(context.Background(), store.NewRecord(typ, fields))
	if err != nil {
		t.Fatalf("save %s: %v", typ, err)
	}
	return rec
}

func testSaveAssignsID(t *testing.T, s store.Store) {
	rec := MustSave(t, s, "player", map[string]any{"name": "Ana"})

	if rec.Ref.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	loaded, err := s.Load(context.Background(), rec.Ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Fields["name"] != "Ana" {
		t.Errorf("expected name 'Ana', got %v", loaded.Fields["name"])
	}
}

func testSaveIncrementsVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := MustSave(t, s, "player", map[string]any{"name": "Ana"})

	rec.Fields["name"] = "Bea"
	updated, err := s.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if updated.Ref != rec.Ref {
		t.Errorf("expected ref to be kept, got %v", updated.Ref)
	}

	loaded, err := s.Load(ctx, rec.Ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Fields["name"] != "Bea" || loaded.Version != 2 {
		t.Errorf("expected Bea at version 2, got %v at %d", loaded.Fields["name"], loaded.Version)
	}
}

func testSaveStaleVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := MustSave(t, s, "player", nil)

	if _, err := s.Save(ctx, rec); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	_, err := s.Save(ctx, rec)
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func testSaveDoesNotModifyInput(t *testing.T, s store.Store) {
	rec := store.NewRecord("player", nil)
	if _, err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if rec.Ref.ID != "" || rec.Version != 0 {
		t.Errorf("expected input record untouched, got %v at %d", rec.Ref, rec.Version)
	}
}

func testLoadNotFound(t *testing.T, s store.Store) {
	_, err := s.Load(context.Background(), store.NewRef("player", "missing"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := MustSave(t, s, "player", nil)

	if err := s.Delete(ctx, rec.Ref); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(ctx, rec.Ref); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, rec.Ref); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func testLinks(t *testing.T, s store.Store) {
	ctx := context.Background()
	tour := MustSave(t, s, "tournament", nil)
	c1 := MustSave(t, s, "category", nil)
	c2 := MustSave(t, s, "category", nil)

	for _, c := range []*store.Record{c1, c2} {
		err := s.PutLink(ctx, store.Edge{Relationship: "tournament_categories", Owner: tour.Ref, Member: c.Ref})
		if err != nil {
			t.Fatalf("PutLink failed: %v", err)
		}
	}

	out, err := s.Links(ctx, "tournament_categories", tour.Ref)
	if err != nil {
		t.Fatalf("Links failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 links, got %d", len(out))
	}

	in, err := s.Backlinks(ctx, "tournament_categories", c1.Ref)
	if err != nil {
		t.Fatalf("Backlinks failed: %v", err)
	}
	if len(in) != 1 || in[0].Owner != tour.Ref {
		t.Errorf("expected backlink to tournament, got %v", in)
	}

	other, err := s.Links(ctx, "other_relationship", tour.Ref)
	if err != nil {
		t.Fatalf("Links failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected links to be scoped by relationship, got %v", other)
	}

	if err := s.RemoveLink(ctx, "tournament_categories", tour.Ref, c1.Ref); err != nil {
		t.Fatalf("RemoveLink failed: %v", err)
	}
	in, err = s.Backlinks(ctx, "tournament_categories", c1.Ref)
	if err != nil {
		t.Fatalf("Backlinks failed: %v", err)
	}
	if len(in) != 0 {
		t.Errorf("expected no backlinks after remove, got %v", in)
	}
	out, err = s.Links(ctx, "tournament_categories", tour.Ref)
	if err != nil {
		t.Fatalf("Links failed: %v", err)
	}
	if len(out) != 1 || out[0].Member != c2.Ref {
		t.Errorf("expected only c2 to remain, got %v", out)
	}
}

func testPutLinkReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := store.NewRef("tournament", "t1")
	member := store.NewRef("category", "c1")

	for _, seed := range []string{"1", "2"} {
		err := s.PutLink(ctx, store.Edge{
			Relationship: "tournament_categories",
			Owner:        owner,
			Member:       member,
			Meta:         map[string]string{"seed": seed},
		})
		if err != nil {
			t.Fatalf("PutLink failed: %v", err)
		}
	}

	out, err := s.Links(ctx, "tournament_categories", owner)
	if err != nil {
		t.Fatalf("Links failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one edge per tuple, got %d", len(out))
	}
	if out[0].Meta["seed"] != "2" {
		t.Errorf("expected replaced meta, got %v", out[0].Meta)
	}
}

func testRemoveMissingLink(t *testing.T, s store.Store) {
	err := s.RemoveLink(context.Background(), "tournament_categories",
		store.NewRef("tournament", "t1"), store.NewRef("category", "c1"))
	if err != nil {
		t.Errorf("expected removing a missing link to succeed, got %v", err)
	}
}

func testTransactionCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	var tour, cat *store.Record

	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		tour = MustSave(t, tx, "tournament", nil)
		cat = MustSave(t, tx, "category", nil)
		return tx.PutLink(ctx, store.Edge{Relationship: "tournament_categories", Owner: tour.Ref, Member: cat.Ref})
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	if _, err := s.Load(ctx, tour.Ref); err != nil {
		t.Errorf("expected tournament to be committed: %v", err)
	}
	in, err := s.Backlinks(ctx, "tournament_categories", cat.Ref)
	if err != nil || len(in) != 1 {
		t.Errorf("expected committed link, got %v (%v)", in, err)
	}
}

func testTransactionRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	existing := MustSave(t, s, "player", map[string]any{"name": "Ana"})
	boom := errors.New("boom")
	var created *store.Record

	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		created = MustSave(t, tx, "player", nil)
		existing.Fields["name"] = "Bea"
		if _, err := tx.Save(ctx, existing); err != nil {
			return err
		}
		if err := tx.PutLink(ctx, store.Edge{Relationship: "r", Owner: existing.Ref, Member: created.Ref}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to be returned, got %v", err)
	}

	if _, err := s.Load(ctx, created.Ref); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected created record to be rolled back, got %v", err)
	}
	loaded, err := s.Load(ctx, existing.Ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Fields["name"] != "Ana" || loaded.Version != 1 {
		t.Errorf("expected update to be rolled back, got %v at %d", loaded.Fields["name"], loaded.Version)
	}
	if out, _ := s.Links(ctx, "r", existing.Ref); len(out) != 0 {
		t.Errorf("expected link to be rolled back, got %v", out)
	}
}

func testReadYourWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		rec := MustSave(t, tx, "player", map[string]any{"name": "Ana"})
		loaded, err := tx.Load(ctx, rec.Ref)
		if err != nil {
			return err
		}
		if loaded.Version != 1 {
			t.Errorf("expected version 1 inside transaction, got %d", loaded.Version)
		}

		owner := store.NewRef("tournament", "t1")
		if err := tx.PutLink(ctx, store.Edge{Relationship: "r", Owner: owner, Member: rec.Ref}); err != nil {
			return err
		}
		in, err := tx.Backlinks(ctx, "r", rec.Ref)
		if err != nil {
			return err
		}
		if len(in) != 1 {
			t.Errorf("expected link visible inside transaction, got %v", in)
		}

		if err := tx.Delete(ctx, rec.Ref); err != nil {
			return err
		}
		if _, err := tx.Load(ctx, rec.Ref); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected delete visible inside transaction, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}
}
