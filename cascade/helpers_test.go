package cascade_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacentio/lattice/cascade"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/memstore"
	"github.com/jacentio/lattice/store/storetest"
)

func tournamentRegistry() *relation.Registry {
	r := relation.NewRegistry()
	r.MustRegister(relation.Descriptor{
		Name: "player_profile", Kind: relation.OneToOne,
		OwnerType: "player", MemberType: "profile",
		OwnerRole: "profile", InverseRole: "player",
		OnOwnerDelete: relation.Cascade,
	})
	r.MustRegister(relation.Descriptor{
		Name: "tournament_registrations", Kind: relation.OneToManyUni,
		OwnerType: "tournament", MemberType: "registration",
		OwnerRole:     "registrations",
		OnOwnerDelete: relation.OrphanRemove,
	})
	r.MustRegister(relation.Descriptor{
		Name: "player_registrations", Kind: relation.OneToManyBi,
		OwnerType: "player", MemberType: "registration",
		OwnerRole: "registrations", InverseRole: "player",
		OnOwnerDelete: relation.OrphanRemove,
	})
	r.MustRegister(relation.Descriptor{
		Name: "tournament_categories", Kind: relation.ManyToMany,
		OwnerType: "tournament", MemberType: "category",
		OwnerRole: "playingCategories", InverseRole: "tournaments",
		OnOwnerDelete:  relation.SetNull,
		OnMemberDelete: relation.Restrict,
	})
	r.MustRegister(relation.Descriptor{
		Name: "tournament_sponsors", Kind: relation.ManyToMany,
		OwnerType: "tournament", MemberType: "sponsor",
		OwnerRole: "sponsors", InverseRole: "sponsoredTournaments",
		OnOwnerDelete: relation.OrphanRemove,
	})
	r.Seal()
	return r
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	cascader *cascade.Cascader
}

func newFixture(t *testing.T, reg *relation.Registry) *fixture {
	s := memstore.New()
	return &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    s,
		cascader: cascade.New(s, reg),
	}
}

func (f *fixture) create(typ string) store.Ref {
	f.t.Helper()
	return storetest.MustSave(f.t, f.store, typ, map[string]any{"kind": typ}).Ref
}

func (f *fixture) link(rel string, owner, member store.Ref) {
	f.t.Helper()
	require.NoError(f.t, f.store.PutLink(f.ctx, store.Edge{Relationship: rel, Owner: owner, Member: member}))
}

func (f *fixture) exists(ref store.Ref) bool {
	f.t.Helper()
	_, err := f.store.Load(f.ctx, ref)
	return err == nil
}

func (f *fixture) version(ref store.Ref) int64 {
	f.t.Helper()
	rec, err := f.store.Load(f.ctx, ref)
	require.NoError(f.t, err)
	return rec.Version
}

func (f *fixture) members(rel string, owner store.Ref) []store.Ref {
	f.t.Helper()
	edges, err := f.store.Links(f.ctx, rel, owner)
	require.NoError(f.t, err)
	refs := make([]store.Ref, 0, len(edges))
	for _, e := range edges {
		refs = append(refs, e.Member)
	}
	return refs
}

func (f *fixture) owners(rel string, member store.Ref) []store.Ref {
	f.t.Helper()
	edges, err := f.store.Backlinks(f.ctx, rel, member)
	require.NoError(f.t, err)
	refs := make([]store.Ref, 0, len(edges))
	for _, e := range edges {
		refs = append(refs, e.Owner)
	}
	return refs
}

// opLog records every store operation it sees.
type opLog struct {
	mu  sync.Mutex
	ops []memstore.Op
}

func (l *opLog) fault(op memstore.Op, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
	return nil
}

func (l *opLog) count(op memstore.Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.ops {
		if o == op {
			n++
		}
	}
	return n
}
