package handler

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/enfabrica/buildcache/storage/server/key"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcache",
		Name:      "requests_total",
		Help:      "Total number of cache operations, by result",
	},
		[]string{
			"namespace",
			"method",
			"result",
		},
	)
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buildcache",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving cache operations, including streaming the body",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	},
		[]string{
			"namespace",
			"method",
		},
	)
	metricStoredBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcache",
		Name:      "stored_bytes_total",
		Help:      "Bytes committed to storage",
	},
		[]string{
			"namespace",
		},
	)
	metricInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "buildcache",
		Name:      "inflight_writes",
		Help:      "Uploads currently being written",
	},
		[]string{
			"namespace",
		},
	)
)

// updateMetrics is meant to be deferred. result is evaluated at the time
// the deferred call runs, once the named return values are set.
func updateMetrics(ns key.Namespace, method string, result func() string, startTime time.Time) {
	d := time.Since(startTime)
	metricRequests.WithLabelValues(ns.String(), method, result()).Inc()
	metricRequestDuration.WithLabelValues(ns.String(), method).Observe(d.Seconds())
}

func readResult(err error) string {
	switch {
	case err == nil:
		return "hit"
	case errors.Is(err, ErrNotFound):
		return "miss"
	}
	return "error"
}

func writeResult(outcome Outcome, err error) string {
	var mismatch *DigestMismatchError
	switch {
	case err == nil:
		return outcome.String()
	case errors.As(err, &mismatch):
		return "digest_mismatch"
	}
	var body *BodyStreamError
	if errors.As(err, &body) {
		return "body_error"
	}
	return "error"
}
