package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/internal/shard"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/storetest"
)

func newTestStore(db *fakeDB, opts ...Option) *Store {
	return New(db, DefaultConfig(), opts...)
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(newFakeDB()) })
}

func TestStore_Paginated(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db := newFakeDB()
		db.pageSize = 1
		return newTestStore(db)
	})
}

func TestStore_Sharded(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New(newFakeDB(), Config{NumShards: 8})
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.EntityTable != "lattice_entities" {
		t.Errorf("expected EntityTable 'lattice_entities', got %q", cfg.EntityTable)
	}
	if cfg.LinkTable != "lattice_links" {
		t.Errorf("expected LinkTable 'lattice_links', got %q", cfg.LinkTable)
	}
	if cfg.MemberIndex != "member-index" {
		t.Errorf("expected MemberIndex 'member-index', got %q", cfg.MemberIndex)
	}
	if cfg.NumShards != 1 {
		t.Errorf("expected NumShards 1, got %d", cfg.NumShards)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		shards    int
		expected  int
		linkTable string
	}{
		{"zero shards", 0, 1, ""},
		{"negative shards", -5, 1, ""},
		{"valid shards", 16, 16, "links"},
		{"max shards", 256, 256, ""},
		{"too many shards", 1000, 256, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(newFakeDB(), Config{NumShards: tt.shards, LinkTable: tt.linkTable})
			cfg := s.Config()
			if cfg.NumShards != tt.expected {
				t.Errorf("expected NumShards %d, got %d", tt.expected, cfg.NumShards)
			}
			if cfg.EntityTable != "lattice_entities" {
				t.Errorf("expected default EntityTable, got %q", cfg.EntityTable)
			}
			if tt.linkTable != "" && cfg.LinkTable != tt.linkTable {
				t.Errorf("expected LinkTable %q, got %q", tt.linkTable, cfg.LinkTable)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name     string
		item     map[string]types.AttributeValue
		expected bool
	}{
		{"no TTL attribute", map[string]types.AttributeValue{}, false},
		{"nil item", nil, false},
		{"TTL in past", map[string]types.AttributeValue{
			"ttl": &types.AttributeValueMemberN{Value: "1000000000"},
		}, true},
		{"TTL in future", map[string]types.AttributeValue{
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix()+3600, 10)},
		}, false},
		{"TTL is now", map[string]types.AttributeValue{
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		}, true},
		{"wrong type", map[string]types.AttributeValue{
			"ttl": &types.AttributeValueMemberS{Value: "1000000000"},
		}, false},
		{"unparseable", map[string]types.AttributeValue{
			"ttl": &types.AttributeValueMemberN{Value: "soon"},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.item, now); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestTTLFilterValues(t *testing.T) {
	values := TTLFilterValues(time.Unix(42, 0))
	n, ok := values[":now"].(*types.AttributeValueMemberN)
	if !ok || n.Value != "42" {
		t.Errorf("expected :now 42, got %v", values[":now"])
	}
	if TTLFilterNames()["#ttl"] != "ttl" {
		t.Error("expected #ttl to name the ttl attribute")
	}
}

func TestSave_WithClockAndIDs(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	s := newTestStore(newFakeDB(),
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)

	rec := storetest.MustSave(t, s, "player", map[string]any{"name": "Ana", "rating": 1500})
	if rec.Ref.ID != "id-1" {
		t.Errorf("expected id-1, got %q", rec.Ref.ID)
	}

	loaded, err := s.Load(context.Background(), rec.Ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.CreatedAt.Equal(fixed) || !loaded.UpdatedAt.Equal(fixed) {
		t.Errorf("expected timestamps %v, got %v / %v", fixed, loaded.CreatedAt, loaded.UpdatedAt)
	}
	if loaded.Fields["rating"] != float64(1500) {
		t.Errorf("expected numbers to load as float64, got %T %v", loaded.Fields["rating"], loaded.Fields["rating"])
	}
}

func TestSave_ExplicitIDConflict(t *testing.T) {
	s := newTestStore(newFakeDB())
	ctx := context.Background()

	rec := &store.Record{Ref: store.NewRef("player", "p1")}
	if _, err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := s.Save(ctx, rec); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCommit_ConcurrentModification(t *testing.T) {
	db := newFakeDB()
	s := newTestStore(db)
	ctx := context.Background()
	rec := storetest.MustSave(t, s, "player", nil)

	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		loaded, err := tx.Load(ctx, rec.Ref)
		if err != nil {
			return err
		}
		// A concurrent writer bumps the version after our read.
		if _, err := s.Save(ctx, rec); err != nil {
			return err
		}
		_, err = tx.Save(ctx, loaded)
		return err
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	loaded, err := s.Load(ctx, rec.Ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Version != 2 {
		t.Errorf("expected only the concurrent write to land, got version %d", loaded.Version)
	}
}

func TestCommit_ReadOnlySkipsWrite(t *testing.T) {
	db := newFakeDB()
	s := newTestStore(db)
	ctx := context.Background()
	rec := storetest.MustSave(t, s, "player", nil)
	calls := db.transactCalls

	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Load(ctx, rec.Ref); err != nil {
			return err
		}
		_, err := tx.Links(ctx, "r", rec.Ref)
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}
	if db.transactCalls != calls {
		t.Errorf("expected no write for a read-only transaction, got %d calls", db.transactCalls-calls)
	}
}

func TestCommit_CreatedAndDeleted(t *testing.T) {
	db := newFakeDB()
	s := newTestStore(db)

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		rec := storetest.MustSave(t, tx, "player", nil)
		return tx.Delete(ctx, rec.Ref)
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}
	if db.transactCalls != 0 {
		t.Errorf("expected nothing to be written, got %d calls", db.transactCalls)
	}
}

func TestCommit_TooLarge(t *testing.T) {
	db := newFakeDB()
	s := newTestStore(db)
	owner := store.NewRef("tournament", "t1")

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i := 0; i <= MaxTransactItems; i++ {
			member := store.NewRef("registration", fmt.Sprintf("r%03d", i))
			if err := tx.PutLink(ctx, store.Edge{Relationship: "r", Owner: owner, Member: member}); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, store.ErrTransactionTooLarge) {
		t.Fatalf("expected ErrTransactionTooLarge, got %v", err)
	}
	if db.transactCalls != 0 {
		t.Errorf("expected no write call, got %d", db.transactCalls)
	}
}

func TestCommit_StoreFailure(t *testing.T) {
	db := newFakeDB()
	s := newTestStore(db)
	boom := errors.New("throttled")
	db.transactErr = boom

	_, err := s.Save(context.Background(), store.NewRecord("player", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if store.IsDomainError(err) {
		t.Errorf("expected a non-domain error, got %v", err)
	}
	if n := db.count(DefaultConfig().EntityTable); n != 0 {
		t.Errorf("expected nothing written, got %d items", n)
	}
}

func TestCommit_ItemOrder(t *testing.T) {
	db := newFakeDB()
	s := newTestStore(db, WithIDGenerator(func() string { return "x" }))
	owner := store.NewRef("tournament", "t1")

	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		rec := storetest.MustSave(t, tx, "registration", nil)
		return tx.PutLink(ctx, store.Edge{Relationship: "tournament_registrations", Owner: owner, Member: rec.Ref})
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	items := db.lastTransact.TransactItems
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if *items[0].Put.TableName != "lattice_entities" || *items[1].Put.TableName != "lattice_links" {
		t.Errorf("expected entity write before link write")
	}
	if *items[0].Put.ConditionExpression != "attribute_not_exists(entity_ref) OR #ttl <= :now" {
		t.Errorf("unexpected create condition %q", *items[0].Put.ConditionExpression)
	}

	link := items[1].Put.Item
	wantPK := shard.LinkPK("tournament_registrations", "tournament#t1", "registration#x", 1)
	if str(link["pk"]) != wantPK {
		t.Errorf("expected pk %q, got %q", wantPK, str(link["pk"]))
	}
	if str(link["member_key"]) != "tournament_registrations#registration#x" {
		t.Errorf("unexpected member_key %q", str(link["member_key"]))
	}
}

func TestExpire(t *testing.T) {
	db := newFakeDB()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(db, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	rec := storetest.MustSave(t, s, "player", map[string]any{"name": "Ana"})

	if err := s.Expire(ctx, rec.Ref, now.Add(time.Hour)); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	loaded, err := s.Load(ctx, rec.Ref)
	if err != nil {
		t.Fatalf("expected entity to stay readable until expiry: %v", err)
	}
	if loaded.Version != 2 {
		t.Errorf("expected Expire to bump the version, got %d", loaded.Version)
	}

	// A later save keeps the scheduled expiry.
	if _, err := s.Save(ctx, loaded); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	raw := db.raw(DefaultConfig().EntityTable, rec.Ref.String())
	if num(raw["ttl"]) != now.Add(time.Hour).Unix() {
		t.Errorf("expected ttl to survive save, got %v", raw["ttl"])
	}

	now = now.Add(2 * time.Hour)
	if _, err := s.Load(ctx, rec.Ref); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired entity to read as missing, got %v", err)
	}
	if err := s.Expire(ctx, rec.Ref, now); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound expiring an expired entity, got %v", err)
	}
}

func TestExpire_NotFound(t *testing.T) {
	s := newTestStore(newFakeDB())
	err := s.Expire(context.Background(), store.NewRef("player", "missing"), time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSave_OverExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(newFakeDB(), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	rec := &store.Record{Ref: store.NewRef("player", "p1")}

	if _, err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Expire(ctx, rec.Ref, now.Add(-time.Second)); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	// The expired item has not been swept yet; the id is free again.
	saved, err := s.Save(ctx, rec)
	if err != nil {
		t.Fatalf("expected save over expired item to succeed: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("expected a fresh entity at version 1, got %d", saved.Version)
	}
}

func TestMapTransactionError(t *testing.T) {
	canceled := &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
	other := errors.New("network")

	tests := []struct {
		name    string
		err     error
		want    error
		subject string
	}{
		{"nil", nil, nil, ""},
		{"condition failed", canceled, store.ErrConcurrentModification, "player#p2"},
		{"other error", other, other, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapTransactionError(tt.err, []string{"player#p1", "player#p2"})
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.subject != "" && err.Error() != fmt.Sprintf("%v: %s", tt.want, tt.subject) {
				t.Errorf("expected error to name %s, got %q", tt.subject, err)
			}
		})
	}
}

func BenchmarkLinks(b *testing.B) {
	db := newFakeDB()
	s := newTestStore(db)
	ctx := context.Background()
	owner := store.NewRef("tournament", "t1")
	for i := 0; i < 50; i++ {
		member := store.NewRef("registration", strconv.Itoa(i))
		if err := s.PutLink(ctx, store.Edge{Relationship: "r", Owner: owner, Member: member}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Links(ctx, "r", owner); err != nil {
			b.Fatal(err)
		}
	}
}
