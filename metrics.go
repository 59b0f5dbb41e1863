// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queueindexMetrics mirrors the structure of the teacher's walMetrics
// (metrics.go), retargeted at publish/deliver/ack traffic and the flush and
// recovery lifecycle instead of WAL segment rotation.
type queueindexMetrics struct {
	publishes        prometheus.Counter
	delivers         prometheus.Counter
	acks             prometheus.Counter
	flushes          prometheus.Counter
	segmentRewrites  prometheus.Counter
	segmentDeletes   prometheus.Counter
	recoveries       prometheus.Counter
	recoveryDuration prometheus.Histogram
}

func newQueueIndexMetrics(reg prometheus.Registerer) *queueindexMetrics {
	return &queueindexMetrics{
		publishes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_publishes_total",
			Help: "queueindex_publishes_total counts publish operations appended to the journal.",
		}),
		delivers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_delivers_total",
			Help: "queueindex_delivers_total counts deliver operations appended to the journal.",
		}),
		acks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_acks_total",
			Help: "queueindex_acks_total counts ack operations appended to the journal.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_flushes_total",
			Help: "queueindex_flushes_total counts times the journal overlay was drained into segment files.",
		}),
		segmentRewrites: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_segment_appends_total",
			Help: "queueindex_segment_appends_total counts segment files appended to during flush.",
		}),
		segmentDeletes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_segment_deletes_total",
			Help: "queueindex_segment_deletes_total counts segment files deleted because unacked reached zero.",
		}),
		recoveries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "queueindex_recoveries_total",
			Help: "queueindex_recoveries_total counts calls to Recover, labeled implicitly by caller.",
		}),
		recoveryDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "queueindex_recovery_duration_seconds",
			Help:    "queueindex_recovery_duration_seconds observes how long dirty or clean recovery took.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
