// Package metrics exports Prometheus metrics for relationship operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK         = "ok"
	OutcomeRestricted = "restricted"
	OutcomeError      = "error"
)

// Recorder records manager and cascade metrics. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	cascadeItems *prometheus.CounterVec
	restricted   *prometheus.CounterVec
	purged       prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_operations_total",
				Help: "Total number of relationship operations by outcome",
			},
			[]string{"op", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_operation_duration_seconds",
				Help:    "Duration of relationship operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"op"},
		),
		cascadeItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_cascade_entities_total",
				Help: "Entities affected by cascading deletes",
			},
			[]string{"action"},
		),
		restricted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_restricted_deletes_total",
				Help: "Deletes rejected by a RESTRICT policy",
			},
			[]string{"relationship"},
		),
		purged: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_purges_total",
			Help: "Out-of-band deletions whose links were purged",
		}),
	}
}

// ObserveOp records one operation started at start.
func (r *Recorder) ObserveOp(op string, start time.Time, outcome string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, outcome).Inc()
	r.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveCascade records the size of a committed cascade.
func (r *Recorder) ObserveCascade(deleted, nulled, unlinked int) {
	if r == nil {
		return
	}
	r.cascadeItems.WithLabelValues("deleted").Add(float64(deleted))
	r.cascadeItems.WithLabelValues("nulled").Add(float64(nulled))
	r.cascadeItems.WithLabelValues("unlinked").Add(float64(unlinked))
}

// ObserveRestricted records a delete rejected through relationship.
func (r *Recorder) ObserveRestricted(relationship string) {
	if r == nil {
		return
	}
	r.restricted.WithLabelValues(relationship).Inc()
}

// ObservePurge records a purge of an out-of-band deletion.
func (r *Recorder) ObservePurge() {
	if r == nil {
		return
	}
	r.purged.Inc()
}
