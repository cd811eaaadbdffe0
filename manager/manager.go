// Package manager keeps both sides of every registered relationship
// consistent.
//
// Each public operation runs in exactly one store transaction. Link rows are
// the single source for both directions of a relationship, so a committed
// operation can never leave one side updated without the other; a failed
// operation leaves the store unchanged.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacentio/lattice/cascade"
	"github.com/jacentio/lattice/internal/metrics"
	"github.com/jacentio/lattice/patch"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

// View is an entity together with its associations.
type View struct {
	Record *store.Record

	// Associations maps a role name to the related entities, sorted. The
	// owning role lists members; the inverse role of a bidirectional
	// relationship lists owners.
	Associations map[string][]store.Ref
}

// Refs returns the entities associated under role.
func (v *View) Refs(role string) []store.Ref {
	return v.Associations[role]
}

// Manager performs relationship operations against a store.
type Manager struct {
	store    store.Store
	registry *relation.Registry
	cascader *cascade.Cascader
	patches  *patch.Schema
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithPatchSchema enables Patch with the given allow lists.
func WithPatchSchema(s *patch.Schema) Option {
	return func(m *Manager) { m.patches = s }
}

// WithClock overrides the clock used for link timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. The registry should be sealed.
func New(s store.Store, registry *relation.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cascader = cascade.New(s, registry,
		cascade.WithLogger(m.logger),
		cascade.WithMetrics(m.metrics),
	)
	return m
}

// Cascader returns the cascader used for deletes.
func (m *Manager) Cascader() *cascade.Cascader {
	return m.cascader
}

// LinkOption configures a Link call.
type LinkOption func(*linkOptions)

type linkOptions struct {
	meta map[string]string
}

// WithMeta attaches metadata to a new edge. It is ignored when the edge
// already exists.
func WithMeta(key, value string) LinkOption {
	return func(o *linkOptions) {
		if o.meta == nil {
			o.meta = make(map[string]string)
		}
		o.meta[key] = value
	}
}

// Link associates member with owner through relationship rel and returns the
// owner's view, or nil if the owner was removed by a cascade. ONE_TO_ONE
// links replace any existing partner on either side; ONE_TO_MANY links move
// the member away from its previous owner. Linking an existing pair changes
// nothing.
func (m *Manager) Link(ctx context.Context, rel string, owner, member store.Ref, opts ...LinkOption) (*View, error) {
	d, err := m.registry.Describe(rel)
	if err != nil {
		return nil, err
	}
	var o linkOptions
	for _, opt := range opts {
		opt(&o)
	}

	var view *View
	err = m.run(ctx, "link", func(ctx context.Context, s *session) error {
		if err := s.require(ctx, owner, d.OwnerType); err != nil {
			return err
		}
		if err := s.require(ctx, member, d.MemberType); err != nil {
			return err
		}
		changed, err := s.link(ctx, d, owner, member, o.meta)
		if err != nil {
			return err
		}
		if err := s.commit(ctx); err != nil {
			return err
		}
		if changed {
			m.logger.Debug("linked", "relationship", rel, "owner", owner.String(), "member", member.String())
		}
		view, err = s.ownerView(ctx, owner)
		return err
	})
	return view, err
}

// Unlink removes the association between owner and member and returns the
// owner's view. The view is nil when owner itself was removed as an orphan
// or by a cascade. A missing association is not an error. If the relationship
// removes orphans and member has no owner left, member is deleted with its
// own cascade in the same transaction.
func (m *Manager) Unlink(ctx context.Context, rel string, owner, member store.Ref) (*View, error) {
	d, err := m.registry.Describe(rel)
	if err != nil {
		return nil, err
	}

	var view *View
	err = m.run(ctx, "unlink", func(ctx context.Context, s *session) error {
		if err := s.require(ctx, owner, d.OwnerType); err != nil {
			return err
		}
		if member.Type != d.MemberType {
			return fmt.Errorf("%w: %s is not a %s", store.ErrInvalidReference, member, d.MemberType)
		}
		exists, err := s.linked(ctx, d, owner, member)
		if err != nil {
			return err
		}
		if exists {
			if err := s.unlink(ctx, d, owner, member); err != nil {
				return err
			}
			s.touch(owner)
			s.touch(member)
		}
		if err := s.commit(ctx); err != nil {
			return err
		}
		view, err = s.ownerView(ctx, owner)
		return err
	})
	return view, err
}

// ReplaceAll makes members the exact member set of owner. Only members that
// leave the set are unlinked and only members that join it are linked;
// edges of members in both sets are left untouched. As with Unlink, the
// view is nil when owner did not survive the change.
func (m *Manager) ReplaceAll(ctx context.Context, rel string, owner store.Ref, members []store.Ref) (*View, error) {
	d, err := m.registry.Describe(rel)
	if err != nil {
		return nil, err
	}

	want := make(map[store.Ref]bool, len(members))
	var order []store.Ref
	for _, ref := range members {
		if !want[ref] {
			want[ref] = true
			order = append(order, ref)
		}
	}
	if d.Kind.ExclusiveOwner() && len(order) > 1 {
		return nil, fmt.Errorf("%w: %s accepts at most one member, got %d", store.ErrInvalidReference, rel, len(order))
	}

	var view *View
	err = m.run(ctx, "replace_all", func(ctx context.Context, s *session) error {
		if err := s.require(ctx, owner, d.OwnerType); err != nil {
			return err
		}
		for _, ref := range order {
			if err := s.require(ctx, ref, d.MemberType); err != nil {
				return err
			}
		}

		current, err := s.members(ctx, d, owner)
		if err != nil {
			return err
		}
		var removed, added int
		for _, e := range current {
			if want[e.Member] {
				continue
			}
			if err := s.unlink(ctx, d, owner, e.Member); err != nil {
				return err
			}
			s.touch(e.Member)
			removed++
		}
		for _, ref := range order {
			changed, err := s.link(ctx, d, owner, ref, nil)
			if err != nil {
				return err
			}
			if changed {
				added++
			}
		}
		if removed > 0 {
			s.touch(owner)
		}

		if err := s.commit(ctx); err != nil {
			return err
		}
		m.logger.Debug("replaced members", "relationship", rel, "owner", owner.String(), "added", added, "removed", removed)
		view, err = s.ownerView(ctx, owner)
		return err
	})
	return view, err
}

// Delete deletes ref, applying every relationship's delete policy.
func (m *Manager) Delete(ctx context.Context, ref store.Ref) (*cascade.Report, error) {
	return m.cascader.Delete(ctx, ref)
}

// Get returns ref with its associations.
func (m *Manager) Get(ctx context.Context, ref store.Ref) (*View, error) {
	var view *View
	err := m.run(ctx, "get", func(ctx context.Context, s *session) error {
		var err error
		view, err = s.view(ctx, ref)
		return err
	})
	return view, err
}

// Patch applies allow-listed field changes to ref. Associations are not
// affected.
func (m *Manager) Patch(ctx context.Context, ref store.Ref, changes map[string]any) (*View, error) {
	if m.patches == nil {
		return nil, fmt.Errorf("%w: no patch schema configured", store.ErrConfiguration)
	}

	var view *View
	err := m.run(ctx, "patch", func(ctx context.Context, s *session) error {
		rec, err := s.tx.Load(ctx, ref)
		if err != nil {
			return err
		}
		if err := m.patches.Apply(ref.Type, rec.Fields, changes); err != nil {
			return err
		}
		if _, err := s.tx.Save(ctx, rec); err != nil {
			return err
		}
		view, err = s.view(ctx, ref)
		return err
	})
	return view, err
}

// Create saves a new entity of type typ and returns its view.
func (m *Manager) Create(ctx context.Context, typ string, fields map[string]any) (*View, error) {
	var view *View
	err := m.run(ctx, "create", func(ctx context.Context, s *session) error {
		rec, err := s.tx.Save(ctx, store.NewRecord(typ, fields))
		if err != nil {
			return err
		}
		view, err = s.view(ctx, rec.Ref)
		return err
	})
	return view, err
}

func (m *Manager) run(ctx context.Context, op string, fn func(ctx context.Context, s *session) error) error {
	start := time.Now()
	err := m.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, newSession(m, tx))
	})
	err = wrap(op, err)

	var txErr *store.TransactionError
	switch {
	case err == nil:
		m.metrics.ObserveOp(op, start, metrics.OutcomeOK)
	case errors.As(err, &txErr):
		m.metrics.ObserveOp(op, start, metrics.OutcomeError)
		m.logger.Warn("operation rolled back", "op", op, "error", err)
	case errors.Is(err, store.ErrRestricted):
		m.metrics.ObserveOp(op, start, metrics.OutcomeRestricted)
	default:
		m.metrics.ObserveOp(op, start, metrics.OutcomeError)
	}
	return err
}
