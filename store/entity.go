package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Ref identifies an entity by type and id.
type Ref struct {
	// Type is the entity type name (e.g., "tournament").
	Type string

	// ID is the store-assigned identifier. Empty until the first save.
	ID string
}

// NewRef returns a Ref for the given type and id.
func NewRef(typ, id string) Ref {
	return Ref{Type: typ, ID: id}
}

// ParseRef parses the type-qualified form produced by Ref.String (e.g., "tournament#42").
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(s, "#")
	if !ok || typ == "" || id == "" {
		return Ref{}, fmt.Errorf("%w: malformed reference %q", ErrInvalidReference, s)
	}
	return Ref{Type: typ, ID: id}, nil
}

// String returns the type-qualified reference (e.g., "tournament#42").
func (r Ref) String() string {
	return r.Type + "#" + r.ID
}

// IsZero reports whether the ref has no id yet.
func (r Ref) IsZero() bool {
	return r.ID == ""
}

// SortRefs orders refs by their string form.
func SortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
}

// Record is a persisted entity.
type Record struct {
	// Ref is the entity reference. Ref.ID is assigned on first save.
	Ref Ref

	// Version is the optimistic lock version. Zero for records never saved.
	Version int64

	// Fields holds the entity's scalar attributes.
	Fields map[string]any

	// CreatedAt is set on first save.
	CreatedAt time.Time

	// UpdatedAt is set on every save.
	UpdatedAt time.Time
}

// NewRecord returns an unsaved record of the given type.
func NewRecord(typ string, fields map[string]any) *Record {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Record{Ref: Ref{Type: typ}, Fields: fields}
}

// Clone returns a copy of the record whose Fields map can be mutated independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Edge is one persisted association tuple. Both directions of a relationship
// are read from the same edge, so the owning and inverse views cannot diverge.
type Edge struct {
	// Relationship is the registered relationship name.
	Relationship string

	// Owner is the owning side (holds the foreign key or join row).
	Owner Ref

	// Member is the other side.
	Member Ref

	// Meta is optional per-edge metadata.
	Meta map[string]string

	// CreatedAt is when the link was created.
	CreatedAt time.Time
}

// Clone returns a copy of the edge with its own Meta map.
func (e Edge) Clone() Edge {
	if e.Meta != nil {
		meta := make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		e.Meta = meta
	}
	return e
}

// Key returns the tuple identity of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Relationship: e.Relationship, Owner: e.Owner, Member: e.Member}
}

// EdgeKey identifies an edge without its payload.
type EdgeKey struct {
	Relationship string
	Owner        Ref
	Member       Ref
}

// String returns "relationship:owner->member".
func (k EdgeKey) String() string {
	return k.Relationship + ":" + k.Owner.String() + "->" + k.Member.String()
}
