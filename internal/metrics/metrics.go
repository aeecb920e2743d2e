package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relswap",
			Subsystem: "update",
			Name:      "installs_total",
			Help:      "Install requests by outcome (started, rejected, failed).",
		}, []string{"outcome"},
	)
	steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relswap",
			Subsystem: "update",
			Name:      "step_total",
			Help:      "Updater status transitions observed, by step.",
		}, []string{"step"},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relswap",
			Subsystem: "update",
			Name:      "download_bytes_total",
			Help:      "Bytes of release archives downloaded.",
		},
	)
	downloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relswap",
			Subsystem: "update",
			Name:      "download_duration_seconds",
			Help:      "Time spent downloading a release archive.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)
	manifestFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relswap",
			Subsystem: "update",
			Name:      "manifest_fetches_total",
			Help:      "Manifest lookups by result (ok, error).",
		}, []string{"result"},
	)
	cleanupRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relswap",
			Subsystem: "cleanup",
			Name:      "removed_total",
			Help:      "Entries removed by the cleanup sweeper, by kind (archive, release, backup).",
		}, []string{"kind"},
	)
	lockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relswap",
			Subsystem: "update",
			Name:      "lock_held",
			Help:      "1 while the install lock file exists.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{installs, steps, downloadBytes, downloadDuration, manifestFetches, cleanupRemoved, lockHeld}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncInstall(outcome string) {
	if regOK.Load() {
		installs.WithLabelValues(outcome).Inc()
	}
}

func IncStep(step string) {
	if regOK.Load() {
		steps.WithLabelValues(step).Inc()
	}
}

func ObserveDownload(n int64, d time.Duration) {
	if regOK.Load() {
		downloadBytes.Add(float64(n))
		downloadDuration.Observe(d.Seconds())
	}
}

func IncManifestFetch(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		manifestFetches.WithLabelValues(result).Inc()
	}
}

func AddCleanupRemoved(kind string, n int) {
	if regOK.Load() && n > 0 {
		cleanupRemoved.WithLabelValues(kind).Add(float64(n))
	}
}

func SetLockHeld(held bool) {
	if regOK.Load() {
		var v float64
		if held {
			v = 1
		}
		lockHeld.Set(v)
	}
}
