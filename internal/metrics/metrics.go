// Package metrics exposes engine counters on the default Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "engine",
		Name:      "commits_total",
		Help:      "Commit attempts by branch kind and outcome",
	}, []string{"branch_kind", "outcome"})

	merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "engine",
		Name:      "merges_total",
		Help:      "Completed merges by whether the target had diverged",
	}, []string{"divergent"})

	redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "engine",
		Name:      "share_link_redemptions_total",
		Help:      "Share link redemptions by outcome",
	}, []string{"outcome"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "engine",
		Name:      "events_dropped_total",
		Help:      "Commit events dropped because the bus was full or closed",
	})

	commitBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inkwell",
		Subsystem: "engine",
		Name:      "commit_content_bytes",
		Help:      "Size of committed content",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	})
)

// Commit outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeConflict  = "conflict"
	OutcomeForbidden = "forbidden"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

func RecordCommit(branchKind, outcome string, size int) {
	commits.WithLabelValues(branchKind, outcome).Inc()
	if outcome == OutcomeOK {
		commitBytes.Observe(float64(size))
	}
}

func RecordMerge(divergent bool) {
	label := "false"
	if divergent {
		label = "true"
	}
	merges.WithLabelValues(label).Inc()
}

func RecordRedemption(outcome string) {
	redemptions.WithLabelValues(outcome).Inc()
}

func RecordEventDropped() {
	eventsDropped.Inc()
}

// Handler serves the default registry for an embedding HTTP layer.
func Handler() http.Handler {
	return promhttp.Handler()
}
