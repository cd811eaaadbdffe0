// Package patch applies partial updates to entity fields through explicit,
// per-type allow lists.
package patch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/jacentio/lattice/store"
)

// ErrUnknownField is returned when a change names a field that is not
// allow-listed for the entity type. It matches store.ErrInvalidPatch.
var ErrUnknownField = fmt.Errorf("%w: unknown field", store.ErrInvalidPatch)

// Field is one patchable field.
type Field struct {
	// Name is the field key in store.Record.Fields.
	Name string `yaml:"name"`

	// Rule is a validator tag applied to the converted value
	// (e.g., "required,max=64"). Empty means no validation.
	Rule string `yaml:"rule"`

	// Convert normalizes the incoming value before validation.
	// Optional.
	Convert func(v any) (any, error) `yaml:"-"`
}

// Schema holds the allow-listed fields of every patchable entity type.
type Schema struct {
	mu       sync.RWMutex
	validate *validator.Validate
	types    map[string]map[string]Field
}

// NewSchema creates an empty Schema.
func NewSchema() *Schema {
	return &Schema{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		types:    make(map[string]map[string]Field),
	}
}

// Register allow-lists fields for entityType. Rules are checked once here
// so a malformed rule fails at startup.
func (s *Schema) Register(entityType string, fields ...Field) error {
	checked := make(map[string]Field, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s: patch field without a name", store.ErrConfiguration, entityType)
		}
		if _, dup := checked[f.Name]; dup {
			return fmt.Errorf("%w: %s.%s registered twice", store.ErrConfiguration, entityType, f.Name)
		}
		if err := s.checkRule(f.Rule); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", store.ErrConfiguration, entityType, f.Name, err)
		}
		checked[f.Name] = f
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[entityType]; ok {
		return fmt.Errorf("%w: patch schema for %q registered twice", store.ErrConfiguration, entityType)
	}
	s.types[entityType] = checked
	return nil
}

// MustRegister is like Register but panics on error.
func (s *Schema) MustRegister(entityType string, fields ...Field) {
	if err := s.Register(entityType, fields...); err != nil {
		panic(err)
	}
}

// Fields returns the allow-listed field names for entityType, sorted.
func (s *Schema) Fields(entityType string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.types[entityType]))
	for n := range s.types[entityType] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply validates changes against the allow list for entityType and writes
// them into fields. Either every change is applied or none is. A nil value
// removes the field.
func (s *Schema) Apply(entityType string, fields map[string]any, changes map[string]any) error {
	s.mu.RLock()
	allowed := s.types[entityType]
	s.mu.RUnlock()

	names := make([]string, 0, len(changes))
	for n := range changes {
		names = append(names, n)
	}
	sort.Strings(names)

	converted := make(map[string]any, len(changes))
	for _, name := range names {
		f, ok := allowed[name]
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, entityType, name)
		}
		v := changes[name]
		if f.Convert != nil && v != nil {
			var err error
			if v, err = f.Convert(v); err != nil {
				return fmt.Errorf("%w: %s.%s: %v", store.ErrInvalidPatch, entityType, name, err)
			}
		}
		if f.Rule != "" {
			if err := s.validate.Var(v, f.Rule); err != nil {
				return fmt.Errorf("%w: %s.%s: %s", store.ErrInvalidPatch, entityType, name, describe(err))
			}
		}
		converted[name] = v
	}

	for name, v := range converted {
		if v == nil {
			delete(fields, name)
			continue
		}
		fields[name] = v
	}
	return nil
}

// checkRule runs the rule once against an empty value; the validator panics
// on unknown tags and malformed parameters.
func (s *Schema) checkRule(rule string) (err error) {
	if rule == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", rule, r)
		}
	}()
	_ = s.validate.Var("", rule)
	return nil
}

func describe(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		e := ve[0]
		if e.Param() != "" {
			return fmt.Sprintf("failed %q (%s)", e.Tag(), e.Param())
		}
		return fmt.Sprintf("failed %q", e.Tag())
	}
	return err.Error()
}
