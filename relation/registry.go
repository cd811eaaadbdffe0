package relation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jacentio/lattice/store"
)

// Descriptor defines one relationship between two entity types.
type Descriptor struct {
	// Name is the relationship name used by callers (e.g., "tournament_categories").
	Name string `yaml:"name"`

	// Kind is the relationship cardinality.
	Kind Kind `yaml:"kind"`

	// OwnerType is the owning side's entity type (e.g., "tournament").
	OwnerType string `yaml:"owner"`

	// MemberType is the other side's entity type (e.g., "category").
	MemberType string `yaml:"member"`

	// OwnerRole is the owner's association name (e.g., "playingCategories").
	OwnerRole string `yaml:"owner_role"`

	// InverseRole is the member's association name (e.g., "tournaments").
	// Required for bidirectional kinds, empty otherwise.
	InverseRole string `yaml:"inverse_role"`

	// OnOwnerDelete applies to members when an owner is deleted.
	OnOwnerDelete Policy `yaml:"on_owner_delete"`

	// OnMemberDelete applies to owners when a member is deleted.
	OnMemberDelete Policy `yaml:"on_member_delete"`
}

// Side is the role an entity type plays in a relationship.
type Side int

const (
	// OwnerSide is the owning side.
	OwnerSide Side = iota

	// MemberSide is the member side.
	MemberSide
)

func (s Side) String() string {
	if s == OwnerSide {
		return "owner"
	}
	return "member"
}

// Participation is a relationship seen from one entity type.
type Participation struct {
	Descriptor Descriptor
	Side       Side
}

// Policy returns the policy applied to the other side when an entity on
// this side is deleted.
func (p Participation) Policy() Policy {
	if p.Side == OwnerSide {
		return p.Descriptor.OnOwnerDelete
	}
	return p.Descriptor.OnMemberDelete
}

// Role returns this side's association name.
func (p Participation) Role() string {
	if p.Side == OwnerSide {
		return p.Descriptor.OwnerRole
	}
	return p.Descriptor.InverseRole
}

// Validate checks the descriptor for internal consistency.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: relationship name is required", store.ErrConfiguration)
	}
	if _, ok := kindNames[d.Kind]; !ok {
		return fmt.Errorf("%w: relationship %q: unknown kind %v", store.ErrConfiguration, d.Name, d.Kind)
	}
	if d.OwnerType == "" || d.MemberType == "" {
		return fmt.Errorf("%w: relationship %q: owner and member types are required", store.ErrConfiguration, d.Name)
	}
	if d.OwnerRole == "" {
		return fmt.Errorf("%w: relationship %q: owner role is required", store.ErrConfiguration, d.Name)
	}
	if d.Kind.Bidirectional() && d.InverseRole == "" {
		return fmt.Errorf("%w: relationship %q: %s requires an inverse role", store.ErrConfiguration, d.Name, d.Kind)
	}
	if !d.Kind.Bidirectional() && d.InverseRole != "" {
		return fmt.Errorf("%w: relationship %q: %s cannot have an inverse role", store.ErrConfiguration, d.Name, d.Kind)
	}
	for _, p := range []Policy{d.OnOwnerDelete, d.OnMemberDelete} {
		if _, ok := policyNames[p]; !ok {
			return fmt.Errorf("%w: relationship %q: unknown policy %v", store.ErrConfiguration, d.Name, p)
		}
	}
	return nil
}

// Registry holds all known relationships. Register every relationship at
// startup, then Seal; a sealed registry is read-only and safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	sealed        bool
	relationships []Descriptor
	byName        map[string]Descriptor
	byType        map[string][]Participation
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		relationships: []Descriptor{},
		byName:        make(map[string]Descriptor),
		byType:        make(map[string][]Participation),
	}
}

// Register adds a relationship to the registry.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: registry is sealed, cannot register %q", store.ErrConfiguration, d.Name)
	}
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: relationship %q registered twice", store.ErrConfiguration, d.Name)
	}
	if d.OwnerType == d.MemberType && d.OwnerRole == d.InverseRole {
		return fmt.Errorf("%w: relationship %q: %s.%s is used on both sides", store.ErrConfiguration, d.Name, d.OwnerType, d.OwnerRole)
	}
	if err := r.checkRole(d, d.OwnerType, d.OwnerRole); err != nil {
		return err
	}
	if err := r.checkRole(d, d.MemberType, d.InverseRole); err != nil {
		return err
	}

	r.relationships = append(r.relationships, d)
	r.byName[d.Name] = d
	r.byType[d.OwnerType] = append(r.byType[d.OwnerType], Participation{Descriptor: d, Side: OwnerSide})
	r.byType[d.MemberType] = append(r.byType[d.MemberType], Participation{Descriptor: d, Side: MemberSide})
	return nil
}

// checkRole rejects role when another relationship already uses it on
// entityType, on either side. Views key associations by role.
func (r *Registry) checkRole(d Descriptor, entityType, role string) error {
	if role == "" {
		return nil
	}
	for _, p := range r.byType[entityType] {
		if p.Role() == role {
			return fmt.Errorf("%w: relationship %q: %s.%s is already used by %q", store.ErrConfiguration, d.Name, entityType, role, p.Descriptor.Name)
		}
	}
	return nil
}

// MustRegister is like Register but panics on error.
// Intended for init-time wiring.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Describe returns the descriptor for name. An unknown name is a
// configuration error.
func (r *Registry) Describe(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: unknown relationship %q", store.ErrConfiguration, name)
	}
	return d, nil
}

// MustDescribe is like Describe but panics on an unknown name.
func (r *Registry) MustDescribe(name string) Descriptor {
	d, err := r.Describe(name)
	if err != nil {
		panic(err)
	}
	return d
}

// Involving returns every relationship the entity type participates in,
// in registration order. A self-referencing relationship appears twice,
// once per side.
func (r *Registry) Involving(entityType string) []Participation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Participation(nil), r.byType[entityType]...)
}

// All returns all registered relationships in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.relationships...)
}

// Names returns the registered relationship names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Participates returns true if the entity type is on either side of any relationship.
func (r *Registry) Participates(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[entityType]) > 0
}
