// Package memstore provides an in-memory store.Store. Transactions run
// against a private copy of the state that replaces the committed state only
// when the transaction succeeds.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/lattice/internal/index"
	"github.com/jacentio/lattice/store"
)

// Ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

// Op names a store operation for fault injection.
type Op string

// Operations passed to a Fault.
const (
	OpLoad       Op = "load"
	OpSave       Op = "save"
	OpDelete     Op = "delete"
	OpLinks      Op = "links"
	OpPutLink    Op = "put_link"
	OpRemoveLink Op = "remove_link"
	OpCommit     Op = "commit"
)

// Fault is consulted before every operation; a non-nil error fails it.
// subject is the ref or edge key the operation works on ("" for commit).
type Fault func(op Op, subject string) error

// FailNth returns a Fault that fails the n-th (1-based) occurrence of op.
func FailNth(op Op, n int, err error) Fault {
	var mu sync.Mutex
	seen := 0
	return func(got Op, _ string) error {
		if got != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == n {
			return err
		}
		return nil
	}
}

type state struct {
	records map[store.Ref]*store.Record
	links   *index.Index
}

func (s state) clone() state {
	records := make(map[store.Ref]*store.Record, len(s.records))
	for k, v := range s.records {
		records[k] = v.Clone()
	}
	return state{records: records, links: s.links.Clone()}
}

// Store is an in-memory entity store. Transactions are serialized.
type Store struct {
	mu    sync.Mutex
	state state
	now   func() time.Time
	newID func() string
	fault Fault
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides id assignment (default: random UUIDs).
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithFault installs a fault injector.
func WithFault(f Fault) Option {
	return func(s *Store) { s.fault = f }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		state: state{records: make(map[store.Ref]*store.Record), links: index.New()},
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault replaces the fault injector. Pass nil to clear it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// WithTransaction runs fn against a copy of the state and commits the copy
// if fn succeeds. Store methods must not be called from inside fn.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, state: s.state.clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := s.inject(OpCommit, ""); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

// Load implements store.Tx.
func (s *Store) Load(ctx context.Context, ref store.Ref) (*store.Record, error) {
	var rec *store.Record
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = tx.Load(ctx, ref)
		return err
	})
	return rec, err
}

// Save implements store.Tx.
func (s *Store) Save(ctx context.Context, rec *store.Record) (*store.Record, error) {
	var saved *store.Record
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		saved, err = tx.Save(ctx, rec)
		return err
	})
	return saved, err
}

// Delete implements store.Tx.
func (s *Store) Delete(ctx context.Context, ref store.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Delete(ctx, ref)
	})
}

// Links implements store.Tx.
func (s *Store) Links(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	var edges []store.Edge
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		edges, err = tx.Links(ctx, rel, owner)
		return err
	})
	return edges, err
}

// Backlinks implements store.Tx.
func (s *Store) Backlinks(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	var edges []store.Edge
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		edges, err = tx.Backlinks(ctx, rel, member)
		return err
	})
	return edges, err
}

// PutLink implements store.Tx.
func (s *Store) PutLink(ctx context.Context, e store.Edge) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutLink(ctx, e)
	})
}

// RemoveLink implements store.Tx.
func (s *Store) RemoveLink(ctx context.Context, rel string, owner, member store.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.RemoveLink(ctx, rel, owner, member)
	})
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.records)
}

// LinkCount returns the number of stored edges.
func (s *Store) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.links.Len()
}

func (s *Store) inject(op Op, subject string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, subject)
}

// tx operates on a private state copy; the Store mutex is held by WithTransaction.
type tx struct {
	store *Store
	state state
}

func (t *tx) Load(ctx context.Context, ref store.Ref) (*store.Record, error) {
	if err := t.store.inject(OpLoad, ref.String()); err != nil {
		return nil, err
	}
	rec, ok := t.state.records[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	return rec.Clone(), nil
}

func (t *tx) Save(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := t.store.inject(OpSave, rec.Ref.String()); err != nil {
		return nil, err
	}
	if rec.Ref.Type == "" {
		return nil, fmt.Errorf("%w: record has no type", store.ErrInvalidReference)
	}

	now := t.store.now().UTC()
	saved := rec.Clone()

	if saved.Ref.IsZero() {
		saved.Ref.ID = t.store.newID()
	}
	current, exists := t.state.records[saved.Ref]

	switch {
	case rec.Version == 0 && exists:
		return nil, fmt.Errorf("%w: %s", store.ErrAlreadyExists, saved.Ref)
	case rec.Version == 0:
		saved.Version = 1
		saved.CreatedAt = now
	case !exists:
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, saved.Ref)
	case current.Version != rec.Version:
		return nil, fmt.Errorf("%w: %s at version %d, expected %d",
			store.ErrConcurrentModification, saved.Ref, current.Version, rec.Version)
	default:
		saved.Version = current.Version + 1
		saved.CreatedAt = current.CreatedAt
	}
	saved.UpdatedAt = now

	t.state.records[saved.Ref] = saved
	return saved.Clone(), nil
}

func (t *tx) Delete(ctx context.Context, ref store.Ref) error {
	if err := t.store.inject(OpDelete, ref.String()); err != nil {
		return err
	}
	if _, ok := t.state.records[ref]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	delete(t.state.records, ref)
	return nil
}

func (t *tx) Links(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	if err := t.store.inject(OpLinks, owner.String()); err != nil {
		return nil, err
	}
	return t.state.links.Out(rel, owner), nil
}

func (t *tx) Backlinks(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	if err := t.store.inject(OpLinks, member.String()); err != nil {
		return nil, err
	}
	return t.state.links.In(rel, member), nil
}

func (t *tx) PutLink(ctx context.Context, e store.Edge) error {
	if err := t.store.inject(OpPutLink, e.Key().String()); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.store.now().UTC()
	}
	t.state.links.Replace(e)
	return nil
}

func (t *tx) RemoveLink(ctx context.Context, rel string, owner, member store.Ref) error {
	key := store.EdgeKey{Relationship: rel, Owner: owner, Member: member}
	if err := t.store.inject(OpRemoveLink, key.String()); err != nil {
		return err
	}
	t.state.links.Remove(rel, owner, member)
	return nil
}
