// Package index maintains association edges as two one-directional lookups,
// owner -> members and member -> owners, that are always updated together.
package index

import (
	"github.com/jacentio/lattice/store"
)

type adjacency map[string]map[store.Ref]map[store.Ref]struct{}

func (a adjacency) add(rel string, from, to store.Ref) {
	byFrom, ok := a[rel]
	if !ok {
		byFrom = make(map[store.Ref]map[store.Ref]struct{})
		a[rel] = byFrom
	}
	set, ok := byFrom[from]
	if !ok {
		set = make(map[store.Ref]struct{})
		byFrom[from] = set
	}
	set[to] = struct{}{}
}

func (a adjacency) remove(rel string, from, to store.Ref) {
	set := a[rel][from]
	delete(set, to)
	if len(set) == 0 {
		delete(a[rel], from)
	}
	if len(a[rel]) == 0 {
		delete(a, rel)
	}
}

// Index is an in-memory edge set. It is not safe for concurrent use.
type Index struct {
	edges   map[store.EdgeKey]store.Edge
	forward adjacency // rel -> owner -> members
	reverse adjacency // rel -> member -> owners
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		edges:   make(map[store.EdgeKey]store.Edge),
		forward: make(adjacency),
		reverse: make(adjacency),
	}
}

// Put adds the edge. It returns false, leaving the stored edge untouched,
// when an edge with the same key already exists.
func (x *Index) Put(e store.Edge) bool {
	k := e.Key()
	if _, ok := x.edges[k]; ok {
		return false
	}
	x.edges[k] = e.Clone()
	x.forward.add(e.Relationship, e.Owner, e.Member)
	x.reverse.add(e.Relationship, e.Member, e.Owner)
	return true
}

// Replace stores the edge, overwriting an existing edge with the same key.
func (x *Index) Replace(e store.Edge) {
	x.Remove(e.Relationship, e.Owner, e.Member)
	x.Put(e)
}

// Remove deletes the edge and returns it. ok is false if it was not present.
func (x *Index) Remove(rel string, owner, member store.Ref) (store.Edge, bool) {
	k := store.EdgeKey{Relationship: rel, Owner: owner, Member: member}
	e, ok := x.edges[k]
	if !ok {
		return store.Edge{}, false
	}
	delete(x.edges, k)
	x.forward.remove(rel, owner, member)
	x.reverse.remove(rel, member, owner)
	return e, true
}

// Get returns the edge for the tuple.
func (x *Index) Get(rel string, owner, member store.Ref) (store.Edge, bool) {
	e, ok := x.edges[store.EdgeKey{Relationship: rel, Owner: owner, Member: member}]
	if !ok {
		return store.Edge{}, false
	}
	return e.Clone(), true
}

// Has reports whether the tuple is linked.
func (x *Index) Has(rel string, owner, member store.Ref) bool {
	_, ok := x.edges[store.EdgeKey{Relationship: rel, Owner: owner, Member: member}]
	return ok
}

// Members returns the members linked to owner through rel, sorted.
func (x *Index) Members(rel string, owner store.Ref) []store.Ref {
	return sortedKeys(x.forward[rel][owner])
}

// Owners returns the owners linked to member through rel, sorted.
func (x *Index) Owners(rel string, member store.Ref) []store.Ref {
	return sortedKeys(x.reverse[rel][member])
}

// Out returns the edges owned by owner through rel, sorted by member.
func (x *Index) Out(rel string, owner store.Ref) []store.Edge {
	members := x.Members(rel, owner)
	out := make([]store.Edge, 0, len(members))
	for _, m := range members {
		out = append(out, x.edges[store.EdgeKey{Relationship: rel, Owner: owner, Member: m}].Clone())
	}
	return out
}

// In returns the edges of rel whose member is member, sorted by owner.
func (x *Index) In(rel string, member store.Ref) []store.Edge {
	owners := x.Owners(rel, member)
	in := make([]store.Edge, 0, len(owners))
	for _, o := range owners {
		in = append(in, x.edges[store.EdgeKey{Relationship: rel, Owner: o, Member: member}].Clone())
	}
	return in
}

// Len returns the number of edges.
func (x *Index) Len() int {
	return len(x.edges)
}

// Clone returns a deep copy.
func (x *Index) Clone() *Index {
	c := New()
	for _, e := range x.edges {
		c.Put(e)
	}
	return c
}

func sortedKeys(set map[store.Ref]struct{}) []store.Ref {
	if len(set) == 0 {
		return nil
	}
	refs := make([]store.Ref, 0, len(set))
	for r := range set {
		refs = append(refs, r)
	}
	store.SortRefs(refs)
	return refs
}
