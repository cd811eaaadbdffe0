package patch

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/lattice/store"
)

// fileField is a Field as written in a schema file. Convert names one of the
// built-in converters.
type fileField struct {
	Field   `yaml:",inline"`
	Convert string `yaml:"convert"`
}

// Converters usable from schema files.
var converters = map[string]func(any) (any, error){
	"number": ToNumber,
	"bool":   ToBool,
	"string": ToString,
}

// LoadSchema reads a schema file:
//
//	tournament:
//	  - name: name
//	    rule: required,max=64
//	  - name: entryFee
//	    rule: gte=0
//	    convert: number
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch schema: %w", err)
	}
	s, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSchema decodes a schema document. Unknown keys are rejected.
func ParseSchema(data []byte) (*Schema, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc map[string][]fileField
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parse patch schema: %v", store.ErrConfiguration, err)
	}

	types := make([]string, 0, len(doc))
	for typ := range doc {
		types = append(types, typ)
	}
	sort.Strings(types)

	s := NewSchema()
	for _, typ := range types {
		fields := make([]Field, 0, len(doc[typ]))
		for _, ff := range doc[typ] {
			f := ff.Field
			if ff.Convert != "" {
				conv, ok := converters[ff.Convert]
				if !ok {
					return nil, fmt.Errorf("%w: %s.%s: unknown converter %q", store.ErrConfiguration, typ, f.Name, ff.Convert)
				}
				f.Convert = conv
			}
			fields = append(fields, f)
		}
		if err := s.Register(typ, fields...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ToNumber converts numeric strings and numbers to float64.
func ToNumber(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	}
	return nil, fmt.Errorf("not a number: %v", v)
}

// ToBool converts booleans and their string forms.
func ToBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", b)
		}
		return parsed, nil
	}
	return nil, fmt.Errorf("not a boolean: %v", v)
}

// ToString formats any scalar as a string.
func ToString(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	case bool:
		return strconv.FormatBool(s), nil
	}
	return nil, fmt.Errorf("not a scalar: %v", v)
}
