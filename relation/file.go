package relation

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/lattice/store"
)

// File is the registry file format.
//
//	version: 1
//	relationships:
//	  - name: tournament_categories
//	    kind: MANY_TO_MANY
//	    owner: tournament
//	    member: category
//	    owner_role: playingCategories
//	    inverse_role: tournaments
//	    on_owner_delete: SET_NULL
//	    on_member_delete: RESTRICT
type File struct {
	Version       int          `yaml:"version"`
	Relationships []Descriptor `yaml:"relationships"`
}

// LoadFile reads a registry file and returns a sealed Registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes a registry document and returns a sealed Registry.
// Unknown keys are rejected.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: parse registry: %v", store.ErrConfiguration, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported registry version %d", store.ErrConfiguration, f.Version)
	}

	reg := NewRegistry()
	for _, d := range f.Relationships {
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

// Marshal encodes the registry in the file format.
func (r *Registry) Marshal() ([]byte, error) {
	return yaml.Marshal(File{Version: 1, Relationships: r.All()})
}
