package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Record type, such as "ZoneBegin" or "LockObtain".
	EventTypeLabel = "type"
	// Failure kind, such as "zone stack underflow".
	FailureKindLabel = "kind"
)

const (
	namespace = "tracecap"
	subsystem = "worker"
)

var (
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_received_total",
		Help:      "Compressed bytes received from producers, including frame headers.",
	})

	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_decoded_total",
		Help:      "Number of frames decompressed and applied to a trace database.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_total",
		Help:      "Number of records dispatched, by record type.",
	}, []string{
		EventTypeLabel,
	})

	QueriesOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queries_outstanding",
		Help:      "Number of queries sent to producers that haven't been answered yet.",
	})

	QueriesQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queries_queued",
		Help:      "Number of queries waiting for room in the query window.",
	})

	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "failures_total",
		Help:      "Number of ingestion inconsistencies, by kind.",
	}, []string{
		FailureKindLabel,
	})

	LockRebuildEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "lock_rebuild_events",
		Help:      "Number of lock events whose state had to be recomputed after an out of order lock event.",
		Buckets:   prometheus.ExponentialBuckets(2, 4, 10),
	})
)
