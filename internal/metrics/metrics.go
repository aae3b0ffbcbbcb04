// Package metrics exposes Prometheus collectors for the dispatch engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery results.
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

var (
	registerOnce sync.Once

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailer",
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Dispatch cycles run, by outcome.",
		},
		[]string{"outcome"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailer",
			Subsystem: "dispatch",
			Name:      "cycle_duration_seconds",
			Help:      "Dispatch cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailer",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts, by result.",
		},
		[]string{"result"},
	)
	completed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailer",
			Subsystem: "dispatch",
			Name:      "messages_completed_total",
			Help:      "Messages marked complete.",
		},
	)
	connectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailer",
			Subsystem: "pool",
			Name:      "connect_failures_total",
			Help:      "Failed attempts to open or verify an account session.",
		},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailer",
			Subsystem: "pool",
			Name:      "sessions_open",
			Help:      "Account sessions currently cached.",
		},
	)
)

// Register adds every collector to the default registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(cycles, cycleDuration, deliveries, completed, connectFailures, sessions)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// RecordCycle counts a finished cycle.
func RecordCycle(duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cycles.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// RecordDelivery counts one delivery attempt.
func RecordDelivery(result string) {
	deliveries.WithLabelValues(result).Inc()
}

// RecordCompleted counts messages marked complete.
func RecordCompleted(n int) {
	completed.Add(float64(n))
}

// RecordConnectFailure counts a failed session acquisition.
func RecordConnectFailure() {
	connectFailures.Inc()
}

// SessionOpened and SessionClosed track the cached session gauge.
func SessionOpened() { sessions.Inc() }

func SessionClosed() { sessions.Dec() }
