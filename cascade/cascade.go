// Package cascade applies relationship delete policies when an entity is
// removed.
//
// A delete request is planned before anything is written: the planner walks
// every relationship the target participates in, grows the delete set through
// CASCADE and ORPHAN_REMOVE policies and records RESTRICT links. Only when
// every RESTRICT link points into the delete set does the commit phase remove
// link rows, touch SET_NULL survivors and delete entities.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jacentio/lattice/internal/metrics"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store"
)

// Report describes a committed delete.
type Report struct {
	// Target is the entity whose deletion was requested.
	Target store.Ref

	// Deleted lists every deleted entity, target last.
	Deleted []store.Ref

	// Nulled lists surviving entities that lost a link and were saved.
	Nulled []store.Ref

	// UnlinkedEdges is the number of link rows removed.
	UnlinkedEdges int
}

// Cascader executes deletes with relationship policies.
type Cascader struct {
	store    store.Store
	registry *relation.Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// Option configures a Cascader.
type Option func(*Cascader)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cascader) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Cascader) { c.metrics = m }
}

// New creates a Cascader over s using the relationships in registry.
func New(s store.Store, registry *relation.Registry, opts ...Option) *Cascader {
	c := &Cascader{
		store:    s,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delete deletes ref and applies every relationship policy in one transaction.
func (c *Cascader) Delete(ctx context.Context, ref store.Ref) (*Report, error) {
	start := time.Now()
	var report *Report
	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		report, err = c.DeleteTx(ctx, tx, ref)
		return err
	})
	if err != nil {
		c.metrics.ObserveOp("delete", start, outcome(err))
		if store.IsDomainError(err) {
			return nil, err
		}
		return nil, store.NewTransactionError("delete", err)
	}
	c.metrics.ObserveOp("delete", start, metrics.OutcomeOK)
	c.metrics.ObserveCascade(len(report.Deleted), len(report.Nulled), report.UnlinkedEdges)
	return report, nil
}

// DeleteTx is Delete inside a transaction owned by the caller. Store errors
// are returned unwrapped.
func (c *Cascader) DeleteTx(ctx context.Context, tx store.Tx, ref store.Ref) (*Report, error) {
	if _, err := tx.Load(ctx, ref); err != nil {
		return nil, err
	}

	p := newPlanner(tx, c.registry, ref)
	if err := p.run(ctx); err != nil {
		return nil, err
	}
	if err := p.checkRestrictions(); err != nil {
		var re *store.RestrictedError
		if errors.As(err, &re) {
			c.metrics.ObserveRestricted(re.Relationship)
			c.logger.Info("delete restricted",
				"target", ref.String(),
				"relationship", re.Relationship,
				"blocking", re.Blocking.String(),
			)
		}
		return nil, err
	}
	return c.commit(ctx, tx, p, false)
}

// Purge applies relationship policies for an entity that was already removed
// out of band, such as a TTL expiry. The target itself is not loaded or
// deleted. RESTRICT links cannot block a delete that already happened, so
// they are logged and cleared.
func (c *Cascader) Purge(ctx context.Context, ref store.Ref) (*Report, error) {
	start := time.Now()
	var report *Report
	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		p := newPlanner(tx, c.registry, ref)
		if err := p.run(ctx); err != nil {
			return err
		}
		for _, r := range p.restrictions {
			if !p.deleting[r.other] {
				c.logger.Warn("clearing restricted link of removed entity",
					"target", ref.String(),
					"relationship", r.relationship,
					"linked", r.other.String(),
				)
			}
		}
		var err error
		report, err = c.commit(ctx, tx, p, true)
		return err
	})
	if err != nil {
		c.metrics.ObserveOp("purge", start, outcome(err))
		if store.IsDomainError(err) {
			return nil, err
		}
		return nil, store.NewTransactionError("purge", err)
	}
	c.metrics.ObserveOp("purge", start, metrics.OutcomeOK)
	c.metrics.ObservePurge()
	c.metrics.ObserveCascade(len(report.Deleted), len(report.Nulled), report.UnlinkedEdges)
	return report, nil
}

// IsOrphan reports whether ref has no remaining link in any relationship
// where it is removed as an orphan. Entities that never take part in an
// ORPHAN_REMOVE relationship are never orphans.
func (c *Cascader) IsOrphan(ctx context.Context, tx store.Tx, ref store.Ref) (bool, error) {
	dependent := false
	for _, p := range c.registry.Involving(ref.Type) {
		if opposite(p).Policy() != relation.OrphanRemove {
			continue
		}
		dependent = true
		edges, err := linksOf(ctx, tx, p, ref)
		if err != nil {
			return false, err
		}
		if len(edges) > 0 {
			return false, nil
		}
	}
	return dependent, nil
}

func (c *Cascader) commit(ctx context.Context, tx store.Tx, p *planner, purge bool) (*Report, error) {
	report := &Report{Target: p.target}

	keys := make([]store.EdgeKey, 0, len(p.edges))
	for k := range p.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	survivors := make(map[store.Ref]bool)
	for _, k := range keys {
		if err := tx.RemoveLink(ctx, k.Relationship, k.Owner, k.Member); err != nil {
			return nil, fmt.Errorf("remove link %s: %w", k, err)
		}
		report.UnlinkedEdges++
		for _, end := range []store.Ref{k.Owner, k.Member} {
			if !p.deleting[end] {
				survivors[end] = true
			}
		}
	}

	for ref := range survivors {
		report.Nulled = append(report.Nulled, ref)
	}
	store.SortRefs(report.Nulled)
	for _, ref := range report.Nulled {
		rec, err := tx.Load(ctx, ref)
		if purge && errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("save %s: %w", ref, err)
		}
	}

	// Dependents were discovered after the entities that pulled them in,
	// so reverse discovery order deletes dependents first and the target last.
	for i := len(p.order) - 1; i >= 0; i-- {
		ref := p.order[i]
		if purge && ref == p.target {
			continue
		}
		err := tx.Delete(ctx, ref)
		if purge && errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", ref, err)
		}
		report.Deleted = append(report.Deleted, ref)
	}

	c.logger.Debug("cascade committed",
		"target", p.target.String(),
		"deleted", len(report.Deleted),
		"nulled", len(report.Nulled),
		"unlinked", report.UnlinkedEdges,
		"purge", purge,
	)
	return report, nil
}

func outcome(err error) string {
	if errors.Is(err, store.ErrRestricted) {
		return metrics.OutcomeRestricted
	}
	return metrics.OutcomeError
}
