package manager_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacentio/lattice/manager"
	"github.com/jacentio/lattice/patch"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/memstore"
	"github.com/jacentio/lattice/store/storetest"
)

const registryYAML = `
version: 1
relationships:
  - name: player_profile
    kind: ONE_TO_ONE
    owner: player
    member: profile
    owner_role: profile
    inverse_role: player
    on_owner_delete: CASCADE
  - name: tournament_registrations
    kind: ONE_TO_MANY_UNI
    owner: tournament
    member: registration
    owner_role: registrations
    on_owner_delete: ORPHAN_REMOVE
  - name: player_registrations
    kind: ONE_TO_MANY_BI
    owner: player
    member: registration
    owner_role: registrations
    inverse_role: player
  - name: tournament_categories
    kind: MANY_TO_MANY
    owner: tournament
    member: category
    owner_role: playingCategories
    inverse_role: tournaments
    on_member_delete: RESTRICT
`

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memstore.Store
	mgr   *manager.Manager
}

func newFixture(t *testing.T, opts ...manager.Option) *fixture {
	reg, err := relation.Parse([]byte(registryYAML))
	require.NoError(t, err)

	schema := patch.NewSchema()
	schema.MustRegister("tournament",
		patch.Field{Name: "name", Rule: "required,max=32"},
		patch.Field{Name: "entryFee", Rule: "gte=0"},
	)

	s := memstore.New()
	opts = append([]manager.Option{manager.WithPatchSchema(schema)}, opts...)
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: s,
		mgr:   manager.New(s, reg, opts...),
	}
}

func (f *fixture) create(typ string) store.Ref {
	f.t.Helper()
	return storetest.MustSave(f.t, f.store, typ, map[string]any{"name": typ}).Ref
}

func (f *fixture) get(ref store.Ref) *manager.View {
	f.t.Helper()
	v, err := f.mgr.Get(f.ctx, ref)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) version(ref store.Ref) int64 {
	f.t.Helper()
	return f.get(ref).Record.Version
}

func (f *fixture) link(rel string, owner, member store.Ref, opts ...manager.LinkOption) {
	f.t.Helper()
	_, err := f.mgr.Link(f.ctx, rel, owner, member, opts...)
	require.NoError(f.t, err)
}

// saveLog records the subject of every save.
type saveLog struct {
	mu    sync.Mutex
	saved []string
}

func (l *saveLog) fault(op memstore.Op, subject string) error {
	if op != memstore.OpSave {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, subject)
	return nil
}

func (l *saveLog) subjects() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.saved...)
}
