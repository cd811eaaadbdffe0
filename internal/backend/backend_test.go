package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jacentio/lattice/internal/config"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/dynamo"
	"github.com/jacentio/lattice/store/memstore"
	"github.com/jacentio/lattice/store/sqlstore"
)

var _ Expirer = (*dynamo.Store)(nil)

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), &config.Config{Store: config.StoreConfig{Backend: config.BackendMemory}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*memstore.Store); !ok {
		t.Errorf("Open() = %T, want *memstore.Store", s)
	}
}

func TestOpen_SQLiteMigrates(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{Store: config.StoreConfig{
		Backend: config.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "lattice.db"),
	}}

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*sqlstore.Store); !ok {
		t.Fatalf("Open() = %T, want *sqlstore.Store", s)
	}

	rec, err := s.Save(ctx, store.NewRecord("player", map[string]any{"name": "ana"}))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1", rec.Version)
	}
}

func TestOpen_Dynamo(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	cfg := &config.Config{
		Store:  config.StoreConfig{Backend: config.BackendDynamo},
		Dynamo: dynamo.Config{EntityTable: "e", NumShards: 4},
		AWS:    config.AWSConfig{Region: "us-east-1", Endpoint: "http://localhost:8000"},
	}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ds, ok := s.(*dynamo.Store)
	if !ok {
		t.Fatalf("Open() = %T, want *dynamo.Store", s)
	}
	if got := ds.Config(); got.EntityTable != "e" || got.LinkTable != "lattice_links" || got.NumShards != 4 {
		t.Errorf("Config() = %+v", got)
	}
}

func TestOpen_Unknown(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{Store: config.StoreConfig{Backend: "cassandra"}})
	if !errors.Is(err, store.ErrConfiguration) {
		t.Errorf("Open() error = %v, want ErrConfiguration", err)
	}
}

func TestExpirer(t *testing.T) {
	var s store.Store = memstore.New()
	if _, ok := s.(Expirer); ok {
		t.Error("memstore should not support expiry")
	}
}
