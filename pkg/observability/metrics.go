package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// JobMetrics holds the Prometheus metrics for dispatch and correlation.
type JobMetrics struct {
	// Dispatch
	JobsDispatched  *prometheus.CounterVec
	DispatchFailed  prometheus.Counter
	RelayPublish    *prometheus.CounterVec
	PublishDuration prometheus.Histogram

	// Correlation
	RepliesReceived     *prometheus.CounterVec
	RepliesDropped      *prometheus.CounterVec
	DecryptFailures     prometheus.Counter
	Transitions         *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	RelaySetLost        prometheus.Counter

	// Relay connections
	RelayConnected *prometheus.GaugeVec
	RelayDials     *prometheus.CounterVec

	// Local relay hub
	HubEventsStored prometheus.Counter
	HubFanout       prometheus.Counter
}

var (
	jobMetricsOnce sync.Once
	jobMetrics     *JobMetrics
)

// Metrics returns the process-wide metric set, registering it on first use.
func Metrics() *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetrics = &JobMetrics{
			JobsDispatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "dvm",
					Subsystem: "client",
					Name:      "jobs_dispatched_total",
					Help:      "Job requests accepted by at least one relay",
				},
				[]string{"kind", "encrypted"},
			),
			DispatchFailed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dvm",
				Subsystem: "client",
				Name:      "dispatch_failed_total",
				Help:      "Job requests no relay accepted",
			}),
			RelayPublish: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "dvm",
					Subsystem: "relay",
					Name:      "publish_total",
					Help:      "Per-relay publish outcomes",
				},
				[]string{"relay", "outcome"},
			),
			PublishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "dvm",
				Subsystem: "relay",
				Name:      "publish_seconds",
				Help:      "Time from publish to relay OK",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			}),
			RepliesReceived: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "dvm",
					Subsystem: "client",
					Name:      "replies_total",
					Help:      "Replies accepted for correlation by class",
				},
				[]string{"class"},
			),
			RepliesDropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "dvm",
					Subsystem: "client",
					Name:      "replies_dropped_total",
					Help:      "Replies dropped before correlation by reason",
				},
				[]string{"reason"},
			),
			DecryptFailures: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dvm",
				Subsystem: "client",
				Name:      "decrypt_failures_total",
				Help:      "Replies whose payload could not be decrypted",
			}),
			Transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "dvm",
					Subsystem: "client",
					Name:      "transitions_total",
					Help:      "Job state transitions by target state",
				},
				[]string{"state"},
			),
			ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "dvm",
				Subsystem: "client",
				Name:      "active_subscriptions",
				Help:      "Jobs with an open reply subscription",
			}),
			RelaySetLost: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dvm",
				Subsystem: "client",
				Name:      "relay_set_lost_total",
				Help:      "Times every relay of a job subscription was disconnected",
			}),
			RelayConnected: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "dvm",
					Subsystem: "relay",
					Name:      "connected",
					Help:      "1 when the relay connection is up",
				},
				[]string{"relay"},
			),
			RelayDials: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "dvm",
					Subsystem: "relay",
					Name:      "dials_total",
					Help:      "Relay dial attempts by outcome",
				},
				[]string{"relay", "outcome"},
			),
			HubEventsStored: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dvm",
				Subsystem: "hub",
				Name:      "events_stored_total",
				Help:      "Events stored by the local relay",
			}),
			HubFanout: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dvm",
				Subsystem: "hub",
				Name:      "fanout_total",
				Help:      "Events delivered to live subscriptions",
			}),
		}
	})
	return jobMetrics
}
