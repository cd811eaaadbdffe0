package patch_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jacentio/lattice/patch"
	"github.com/jacentio/lattice/store"
)

func TestLoadSchema_Example(t *testing.T) {
	s, err := patch.LoadSchema(filepath.Join("..", "examples", "tournaments-patch.yaml"))
	if err != nil {
		t.Fatalf("LoadSchema failed: %v", err)
	}

	if got := s.Fields("tournament"); len(got) != 2 || got[0] != "entryFee" || got[1] != "name" {
		t.Errorf("unexpected tournament fields %v", got)
	}

	fields := map[string]any{}
	if err := s.Apply("tournament", fields, map[string]any{"entryFee": "12.5"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if fields["entryFee"] != 12.5 {
		t.Errorf("expected converted fee 12.5, got %#v", fields["entryFee"])
	}
	if err := s.Apply("tournament", fields, map[string]any{"entryFee": "-1"}); !errors.Is(err, store.ErrInvalidPatch) {
		t.Errorf("expected ErrInvalidPatch for negative fee, got %v", err)
	}
}

func TestParseSchema_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "tournament:\n  - name: name\n    rules: required\n"},
		{"unknown converter", "tournament:\n  - name: fee\n    convert: money\n"},
		{"bad rule", "tournament:\n  - name: fee\n    rule: notarule\n"},
		{"duplicate field", "tournament:\n  - name: fee\n  - name: fee\n"},
		{"not a mapping", "- tournament\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := patch.ParseSchema([]byte(tt.doc)); !errors.Is(err, store.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestConverters(t *testing.T) {
	tests := []struct {
		name    string
		conv    func(any) (any, error)
		in      any
		want    any
		wantErr bool
	}{
		{"number from string", patch.ToNumber, "42", 42.0, false},
		{"number from int", patch.ToNumber, 7, 7.0, false},
		{"number from garbage", patch.ToNumber, "lots", nil, true},
		{"number from bool", patch.ToNumber, true, nil, true},
		{"bool from string", patch.ToBool, "true", true, false},
		{"bool from bool", patch.ToBool, false, false, false},
		{"bool from garbage", patch.ToBool, "maybe", nil, true},
		{"string from float", patch.ToString, 2.5, "2.5", false},
		{"string from bool", patch.ToString, true, "true", false},
		{"string from map", patch.ToString, map[string]any{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.conv(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("expected %v, got %v (%v)", tt.want, got, err)
			}
		})
	}
}
