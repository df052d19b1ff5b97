// Package metrics exposes prometheus instrumentation for the storage engine.
// Collectors register on the default registry; serving them is the caller's
// concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts engine operations by name and outcome.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "tree",
		Name:      "operations_total",
		Help:      "Engine operations by operation name and outcome.",
	}, []string{"op", "outcome"})

	// DedupHits counts content writes satisfied by an existing blob.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "blob",
		Name:      "dedup_hits_total",
		Help:      "Content writes deduplicated against an existing blob.",
	})

	// BytesStored counts payload bytes written to the blob store.
	BytesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "blob",
		Name:      "bytes_stored_total",
		Help:      "Payload bytes written to the blob store.",
	})

	// BlobsPurged counts blobs physically removed after their last reference.
	BlobsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "blob",
		Name:      "purged_total",
		Help:      "Blobs physically removed after dropping to zero references.",
	})

	// GCRuns counts garbage collection sweeps by outcome.
	GCRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbor",
		Subsystem: "gc",
		Name:      "runs_total",
		Help:      "Garbage collection sweeps by outcome.",
	}, []string{"outcome"})
)

// ObserveOp records one engine operation outcome.
func ObserveOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Operations.WithLabelValues(op, outcome).Inc()
}
