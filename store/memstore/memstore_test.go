package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestWithIDGenerator(t *testing.T) {
	n := 0
	s := New(WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))

	rec := storetest.MustSave(t, s, "player", nil)
	if rec.Ref.ID != "id-1" {
		t.Errorf("expected id-1, got %q", rec.Ref.ID)
	}
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	rec := storetest.MustSave(t, s, "player", nil)
	if !rec.CreatedAt.Equal(fixed) || !rec.UpdatedAt.Equal(fixed) {
		t.Errorf("expected timestamps %v, got %v / %v", fixed, rec.CreatedAt, rec.UpdatedAt)
	}
}

func TestSave_ExplicitIDConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &store.Record{Ref: store.NewRef("player", "p1")}
	if _, err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := s.Save(ctx, rec); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSave_NoType(t *testing.T) {
	s := New()
	_, err := s.Save(context.Background(), &store.Record{})
	if !errors.Is(err, store.ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
}

func TestFault_RollsBack(t *testing.T) {
	boom := errors.New("boom")
	s := New()
	ctx := context.Background()
	p := storetest.MustSave(t, s, "player", nil)

	s.SetFault(FailNth(OpPutLink, 2, boom))
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"t1", "t2"} {
			e := store.Edge{Relationship: "r", Owner: store.NewRef("tournament", id), Member: p.Ref}
			if err := tx.PutLink(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if s.LinkCount() != 0 {
		t.Errorf("expected no links after rollback, got %d", s.LinkCount())
	}
}

func TestFault_Commit(t *testing.T) {
	boom := errors.New("commit lost")
	s := New(WithFault(FailNth(OpCommit, 1, boom)))

	_, err := s.Save(context.Background(), store.NewRecord("player", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit fault, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected nothing committed, got %d records", s.Len())
	}

	// FailNth fires once.
	storetest.MustSave(t, s, "player", nil)
	if s.Len() != 1 {
		t.Errorf("expected 1 record, got %d", s.Len())
	}
}

func TestWithTransaction_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("expected fn not to run")
	}
}

func TestLoad_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := storetest.MustSave(t, s, "player", map[string]any{"name": "Ana"})

	loaded, _ := s.Load(ctx, rec.Ref)
	loaded.Fields["name"] = "Bea"

	again, _ := s.Load(ctx, rec.Ref)
	if again.Fields["name"] != "Ana" {
		t.Error("expected stored record to be unaffected by caller mutation")
	}
}

func BenchmarkWithTransaction(b *testing.B) {
	s := New()
	ctx := context.Background()
	owner := store.NewRef("tournament", "t1")
	for i := 0; i < 100; i++ {
		_ = s.PutLink(ctx, store.Edge{Relationship: "r", Owner: owner, Member: store.NewRef("category", fmt.Sprint(i))})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.Links(ctx, "r", owner)
			return err
		})
	}
}
