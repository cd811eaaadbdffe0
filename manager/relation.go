package manager

import (
	"context"

	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

// Relation is a Manager bound to one relationship. Obtain handles at startup
// so an unknown relationship name fails before any request is served.
type Relation struct {
	m *Manager
	d relation.Descriptor
}

// Relation returns a handle for the named relationship.
func (m *Manager) Relation(name string) (*Relation, error) {
	d, err := m.registry.Describe(name)
	if err != nil {
		return nil, err
	}
	return &Relation{m: m, d: d}, nil
}

// MustRelation is like Relation but panics on an unknown name.
func (m *Manager) MustRelation(name string) *Relation {
	r, err := m.Relation(name)
	if err != nil {
		panic(err)
	}
	return r
}

// Descriptor returns the bound relationship.
func (r *Relation) Descriptor() relation.Descriptor {
	return r.d
}

// Link is Manager.Link for this relationship.
func (r *Relation) Link(ctx context.Context, owner, member store.Ref, opts ...LinkOption) (*View, error) {
	return r.m.Link(ctx, r.d.Name, owner, member, opts...)
}

// Unlink is Manager.Unlink for this relationship.
func (r *Relation) Unlink(ctx context.Context, owner, member store.Ref) (*View, error) {
	return r.m.Unlink(ctx, r.d.Name, owner, member)
}

// ReplaceAll is Manager.ReplaceAll for this relationship.
func (r *Relation) ReplaceAll(ctx context.Context, owner store.Ref, members []store.Ref) (*View, error) {
	return r.m.ReplaceAll(ctx, r.d.Name, owner, members)
}

// Members returns the edges owned by owner, sorted by member.
func (r *Relation) Members(ctx context.Context, owner store.Ref) ([]store.Edge, error) {
	var edges []store.Edge
	err := r.m.run(ctx, "members", func(ctx context.Context, s *session) error {
		var err error
		edges, err = s.members(ctx, r.d, owner)
		return err
	})
	return edges, err
}

// Owners returns the edges whose member is member, sorted by owner.
func (r *Relation) Owners(ctx context.Context, member store.Ref) ([]store.Edge, error) {
	var edges []store.Edge
	err := r.m.run(ctx, "owners", func(ctx context.Context, s *session) error {
		var err error
		edges, err = s.owners(ctx, r.d, member)
		return err
	})
	return edges, err
}
