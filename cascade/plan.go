package cascade

import (
	"context"
	"sort"

	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

type restriction struct {
	relationship string
	subject      store.Ref
	other        store.Ref
}

// planner computes the delete set for one request without writing.
type planner struct {
	tx       store.Tx
	registry *relation.Registry
	target   store.Ref

	deleting   map[store.Ref]bool
	order      []store.Ref
	queue      []store.Ref
	candidates map[store.Ref]bool

	edges        map[store.EdgeKey]store.Edge
	restrictions []restriction
	cache        map[linkQuery][]store.Edge
}

type linkQuery struct {
	relationship string
	side         relation.Side
	ref          store.Ref
}

func newPlanner(tx store.Tx, registry *relation.Registry, target store.Ref) *planner {
	return &planner{
		tx:         tx,
		registry:   registry,
		target:     target,
		deleting:   make(map[store.Ref]bool),
		candidates: make(map[store.Ref]bool),
		edges:      make(map[store.EdgeKey]store.Edge),
		cache:      make(map[linkQuery][]store.Edge),
	}
}

// run expands the delete set until neither CASCADE nor ORPHAN_REMOVE adds
// anything.
func (p *planner) run(ctx context.Context) error {
	p.add(p.target)
	for {
		if err := p.drain(ctx); err != nil {
			return err
		}
		added, err := p.promoteOrphans(ctx)
		if err != nil {
			return err
		}
		if !added {
			return nil
		}
	}
}

func (p *planner) add(ref store.Ref) {
	if p.deleting[ref] {
		return
	}
	p.deleting[ref] = true
	p.order = append(p.order, ref)
	p.queue = append(p.queue, ref)
	delete(p.candidates, ref)
}

func (p *planner) drain(ctx context.Context) error {
	for len(p.queue) > 0 {
		ref := p.queue[0]
		p.queue = p.queue[1:]
		if err := p.expand(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (p *planner) expand(ctx context.Context, ref store.Ref) error {
	for _, part := range p.registry.Involving(ref.Type) {
		edges, err := p.links(ctx, part, ref)
		if err != nil {
			return err
		}
		for _, e := range edges {
			p.edges[e.Key()] = e
			other := otherEnd(part, e)

			switch part.Policy() {
			case relation.Cascade:
				p.add(other)
			case relation.OrphanRemove:
				if !p.deleting[other] {
					p.candidates[other] = true
				}
			case relation.Restrict:
				p.restrictions = append(p.restrictions, restriction{
					relationship: part.Descriptor.Name,
					subject:      ref,
					other:        other,
				})
			}
		}
	}
	return nil
}

// promoteOrphans moves every candidate whose dependent links all point into
// the delete set into the delete set.
func (p *planner) promoteOrphans(ctx context.Context) (bool, error) {
	refs := make([]store.Ref, 0, len(p.candidates))
	for ref := range p.candidates {
		refs = append(refs, ref)
	}
	store.SortRefs(refs)

	added := false
	for _, ref := range refs {
		orphan, err := p.orphaned(ctx, ref)
		if err != nil {
			return false, err
		}
		if orphan {
			p.add(ref)
			added = true
		}
	}
	return added, nil
}

func (p *planner) orphaned(ctx context.Context, ref store.Ref) (bool, error) {
	for _, part := range p.registry.Involving(ref.Type) {
		if opposite(part).Policy() != relation.OrphanRemove {
			continue
		}
		edges, err := p.links(ctx, part, ref)
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if !p.deleting[otherEnd(part, e)] {
				return false, nil
			}
		}
	}
	return true, nil
}

func (p *planner) links(ctx context.Context, part relation.Participation, ref store.Ref) ([]store.Edge, error) {
	q := linkQuery{relationship: part.Descriptor.Name, side: part.Side, ref: ref}
	if edges, ok := p.cache[q]; ok {
		return edges, nil
	}
	edges, err := linksOf(ctx, p.tx, part, ref)
	if err != nil {
		return nil, err
	}
	p.cache[q] = edges
	return edges, nil
}

// checkRestrictions fails on the first RESTRICT link that reaches outside
// the delete set.
func (p *planner) checkRestrictions() error {
	sort.SliceStable(p.restrictions, func(i, j int) bool {
		return p.restrictions[i].relationship < p.restrictions[j].relationship
	})
	for _, r := range p.restrictions {
		if p.deleting[r.other] {
			continue
		}
		return &store.RestrictedError{
			Relationship: r.relationship,
			Target:       r.subject,
			Blocking:     r.other,
		}
	}
	return nil
}

func linksOf(ctx context.Context, tx store.Tx, part relation.Participation, ref store.Ref) ([]store.Edge, error) {
	if part.Side == relation.OwnerSide {
		return tx.Links(ctx, part.Descriptor.Name, ref)
	}
	return tx.Backlinks(ctx, part.Descriptor.Name, ref)
}

func otherEnd(part relation.Participation, e store.Edge) store.Ref {
	if part.Side == relation.OwnerSide {
		return e.Member
	}
	return e.Owner
}

func opposite(part relation.Participation) relation.Participation {
	if part.Side == relation.OwnerSide {
		part.Side = relation.MemberSide
	} else {
		part.Side = relation.OwnerSide
	}
	return part
}
