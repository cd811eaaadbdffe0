package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacentio/lattice/internal/index"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

// session is the working state of one manager operation. graph mirrors the
// link rows read or written so far; every link write goes to both graph and
// the transaction.
type session struct {
	m  *Manager
	tx store.Tx

	graph  *index.Index
	loaded map[sideKey]bool

	touched []store.Ref
	seen    map[store.Ref]bool
	gone    map[store.Ref]bool

	// displaced holds entities that lost a link in a relationship that
	// removes them as orphans.
	displaced []store.Ref
}

type sideKey struct {
	relationship string
	side         relation.Side
	ref          store.Ref
}

func newSession(m *Manager, tx store.Tx) *session {
	return &session{
		m:      m,
		tx:     tx,
		graph:  index.New(),
		loaded: make(map[sideKey]bool),
		seen:   make(map[store.Ref]bool),
		gone:   make(map[store.Ref]bool),
	}
}

// require checks that ref exists and has the type expected on its side.
func (s *session) require(ctx context.Context, ref store.Ref, typ string) error {
	if ref.Type != typ {
		return fmt.Errorf("%w: %s is not a %s", store.ErrInvalidReference, ref, typ)
	}
	if ref.IsZero() {
		return fmt.Errorf("%w: %s has no id", store.ErrInvalidReference, ref)
	}
	_, err := s.tx.Load(ctx, ref)
	return err
}

func (s *session) members(ctx context.Context, d relation.Descriptor, owner store.Ref) ([]store.Edge, error) {
	k := sideKey{relationship: d.Name, side: relation.OwnerSide, ref: owner}
	if !s.loaded[k] {
		edges, err := s.tx.Links(ctx, d.Name, owner)
		if err != nil {
			return nil, err
		}
		s.mirror(edges)
		s.loaded[k] = true
	}
	return s.graph.Out(d.Name, owner), nil
}

func (s *session) owners(ctx context.Context, d relation.Descriptor, member store.Ref) ([]store.Edge, error) {
	k := sideKey{relationship: d.Name, side: relation.MemberSide, ref: member}
	if !s.loaded[k] {
		edges, err := s.tx.Backlinks(ctx, d.Name, member)
		if err != nil {
			return nil, err
		}
		s.mirror(edges)
		s.loaded[k] = true
	}
	return s.graph.In(d.Name, member), nil
}

// mirror adds edges read from the store without overriding edges this
// session already changed.
func (s *session) mirror(edges []store.Edge) {
	for _, e := range edges {
		s.graph.Put(e)
	}
}

func (s *session) linked(ctx context.Context, d relation.Descriptor, owner, member store.Ref) (bool, error) {
	if _, err := s.members(ctx, d, owner); err != nil {
		return false, err
	}
	return s.graph.Has(d.Name, owner, member), nil
}

// link adds the edge owner->member, first clearing whatever the kind's
// exclusivity forbids. Old partners are touched before owner and member.
func (s *session) link(ctx context.Context, d relation.Descriptor, owner, member store.Ref, meta map[string]string) (bool, error) {
	exists, err := s.linked(ctx, d, owner, member)
	if err != nil || exists {
		return false, err
	}

	if d.Kind.ExclusiveOwner() {
		current, err := s.members(ctx, d, owner)
		if err != nil {
			return false, err
		}
		for _, e := range current {
			if err := s.unlink(ctx, d, e.Owner, e.Member); err != nil {
				return false, err
			}
			s.touch(e.Member)
		}
	}
	if d.Kind.ExclusiveMember() {
		current, err := s.owners(ctx, d, member)
		if err != nil {
			return false, err
		}
		for _, e := range current {
			if err := s.unlink(ctx, d, e.Owner, e.Member); err != nil {
				return false, err
			}
			s.touch(e.Owner)
		}
	}

	e := store.Edge{
		Relationship: d.Name,
		Owner:        owner,
		Member:       member,
		Meta:         meta,
		CreatedAt:    s.m.now().UTC(),
	}
	if err := s.tx.PutLink(ctx, e); err != nil {
		return false, err
	}
	s.graph.Replace(e)
	s.touch(owner)
	s.touch(member)
	return true, nil
}

// unlink removes the edge from graph and store and records the sides that
// may have become orphans. Callers decide which sides to touch.
func (s *session) unlink(ctx context.Context, d relation.Descriptor, owner, member store.Ref) error {
	if err := s.tx.RemoveLink(ctx, d.Name, owner, member); err != nil {
		return err
	}
	s.graph.Remove(d.Name, owner, member)
	if d.OnOwnerDelete == relation.OrphanRemove {
		s.displaced = append(s.displaced, member)
	}
	if d.OnMemberDelete == relation.OrphanRemove {
		s.displaced = append(s.displaced, owner)
	}
	return nil
}

func (s *session) touch(ref store.Ref) {
	if s.seen[ref] {
		return
	}
	s.seen[ref] = true
	s.touched = append(s.touched, ref)
}

// commit deletes displaced orphans, then saves every touched entity in the
// order it was touched.
func (s *session) commit(ctx context.Context) error {
	swept := make(map[store.Ref]bool)
	for _, ref := range s.displaced {
		if swept[ref] || s.gone[ref] {
			continue
		}
		swept[ref] = true

		orphan, err := s.m.cascader.IsOrphan(ctx, s.tx, ref)
		if err != nil {
			return err
		}
		if !orphan {
			continue
		}
		report, err := s.m.cascader.DeleteTx(ctx, s.tx, ref)
		if err != nil {
			return fmt.Errorf("remove orphan %s: %w", ref, err)
		}
		for _, d := range report.Deleted {
			s.gone[d] = true
		}
		s.m.logger.Debug("removed orphan", "entity", ref.String(), "deleted", len(report.Deleted))
	}

	for _, ref := range s.touched {
		if s.gone[ref] {
			continue
		}
		rec, err := s.tx.Load(ctx, ref)
		if err != nil {
			return err
		}
		if _, err := s.tx.Save(ctx, rec); err != nil {
			return fmt.Errorf("save %s: %w", ref, err)
		}
	}
	return nil
}

// ownerView is view for the operation's owner, which commit may have
// deleted.
func (s *session) ownerView(ctx context.Context, owner store.Ref) (*View, error) {
	if s.gone[owner] {
		return nil, nil
	}
	return s.view(ctx, owner)
}

// view loads ref with its associations as stored in the transaction.
func (s *session) view(ctx context.Context, ref store.Ref) (*View, error) {
	rec, err := s.tx.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	v := &View{Record: rec, Associations: make(map[string][]store.Ref)}

	for _, p := range s.m.registry.Involving(ref.Type) {
		d := p.Descriptor
		switch {
		case p.Side == relation.OwnerSide:
			edges, err := s.tx.Links(ctx, d.Name, ref)
			if err != nil {
				return nil, err
			}
			v.Associations[d.OwnerRole] = ends(edges, func(e store.Edge) store.Ref { return e.Member })
		case d.Kind.Bidirectional():
			edges, err := s.tx.Backlinks(ctx, d.Name, ref)
			if err != nil {
				return nil, err
			}
			v.Associations[d.InverseRole] = ends(edges, func(e store.Edge) store.Ref { return e.Owner })
		}
	}
	return v, nil
}

func ends(edges []store.Edge, pick func(store.Edge) store.Ref) []store.Ref {
	refs := make([]store.Ref, 0, len(edges))
	for _, e := range edges {
		refs = append(refs, pick(e))
	}
	store.SortRefs(refs)
	return refs
}

// wrap turns a failed transaction into the error returned to callers.
func wrap(op string, err error) error {
	if err == nil || store.IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return store.NewTransactionError(op, err)
}
