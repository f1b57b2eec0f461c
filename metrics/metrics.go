// Package metrics registers the dispatcher's prometheus instruments
// and exposes them over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/zoo/model"
)

// Metrics bundles every instrument the dispatcher, coordinator, and
// publisher touch. Registered once at process start and passed down
// by reference, the same way a *slog.Logger is threaded through.
type Metrics struct {
	JobsDispatched  prometheus.Counter
	JobsAcked       prometheus.Counter
	JobsNacked      prometheus.Counter
	DecodeFailures  prometheus.Counter
	DownloadSeconds prometheus.Histogram

	TaskOutcomes    *prometheus.CounterVec // labels: kind, status
	PublishFailures *prometheus.CounterVec // labels: route
	BreakerOpens    *prometheus.CounterVec // labels: kind
}

// New registers every instrument against reg and returns the bundle.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated from
// the global default registry; cmd/zoo does the same and serves that
// registry through Handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "jobs_dispatched_total",
			Help:      "Job descriptors decoded and handed to a coordinator.",
		}),
		JobsAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "jobs_acked_total",
			Help:      "Jobs whose delivery was acked to the broker.",
		}),
		JobsNacked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "jobs_nacked_total",
			Help:      "Jobs whose delivery was nacked because the artifact could not be downloaded.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "decode_failures_total",
			Help:      "Deliveries that failed to decode into a job descriptor and were dropped.",
		}),
		DownloadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zoo",
			Name:      "download_duration_seconds",
			Help:      "Time spent downloading a job's artifact.",
			Buckets:   prometheus.DefBuckets,
		}),
		TaskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "task_outcomes_total",
			Help:      "Work task outcomes by kind and status.",
		}, []string{"kind", "status"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "publish_failures_total",
			Help:      "Failed publishes to the broker by destination route.",
		}, []string{"route"}),
		BreakerOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zoo",
			Name:      "breaker_open_total",
			Help:      "Enricher calls skipped because that kind's circuit breaker was open.",
		}, []string{"kind"}),
	}
}

// ObserveTask records a work task's outcome.
func (m *Metrics) ObserveTask(kind model.Kind, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	m.TaskOutcomes.WithLabelValues(string(kind), status).Inc()
}

// Handler exposes reg's instruments for scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
