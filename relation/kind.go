package relation

import (
	"fmt"
	"strings"
)

// Kind is the cardinality of a relationship.
type Kind int

const (
	// OneToOne links an owner to at most one member and vice versa.
	OneToOne Kind = iota + 1

	// OneToManyUni links an owner to many members; only the owner sees the link.
	OneToManyUni

	// OneToManyBi links an owner to many members; each member sees its owner.
	OneToManyBi

	// ManyToMany links owners and members through distinct join tuples.
	ManyToMany
)

var kindNames = map[Kind]string{
	OneToOne:     "ONE_TO_ONE",
	OneToManyUni: "ONE_TO_MANY_UNI",
	OneToManyBi:  "ONE_TO_MANY_BI",
	ManyToMany:   "MANY_TO_MANY",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Bidirectional reports whether the member side has an inverse view.
func (k Kind) Bidirectional() bool {
	return k == OneToOne || k == OneToManyBi || k == ManyToMany
}

// ExclusiveMember reports whether a member may have at most one owner.
func (k Kind) ExclusiveMember() bool {
	return k == OneToOne || k == OneToManyUni || k == OneToManyBi
}

// ExclusiveOwner reports whether an owner may have at most one member.
func (k Kind) ExclusiveOwner() bool {
	return k == OneToOne
}

// ParseKind parses the upper-case names used in registry files.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown relationship kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown relationship kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Policy is what happens to the other side of a link when one side is deleted.
type Policy int

const (
	// SetNull removes the link and keeps the other side. It is the default.
	SetNull Policy = iota

	// Cascade deletes the other side too, recursively.
	Cascade

	// OrphanRemove deletes the other side only if no other link still holds it.
	OrphanRemove

	// Restrict rejects the delete while any link exists.
	Restrict
)

var policyNames = map[Policy]string{
	SetNull:      "SET_NULL",
	Cascade:      "CASCADE",
	OrphanRemove: "ORPHAN_REMOVE",
	Restrict:     "RESTRICT",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses a policy name. The ON_DELETE_ prefix is optional.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimPrefix(strings.ToUpper(s), "ON_DELETE_")
	if s == "" {
		return SetNull, nil
	}
	for p, name := range policyNames {
		if s == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown cascade policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if _, ok := policyNames[p]; !ok {
		return nil, fmt.Errorf("unknown cascade policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
