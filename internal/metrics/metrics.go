package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storagelink"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Number of backend processes spawned.",
		}, []string{"backend"},
	)
	backendReady = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "ready_total",
			Help:      "Number of backends that signalled readiness and were recorded.",
		}, []string{"backend"},
	)
	backendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "failures_total",
			Help:      "Number of failed backend start attempts by reason.",
		}, []string{"backend", "reason"},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of observed backend process exits.",
		}, []string{"backend"},
	)
	backendReadyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn to recorded readiness.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"},
	)
	backendsAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "alive",
			Help:      "Backends in the process list at the last reconciliation.",
		},
	)
	recoveredRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "recovered_records_total",
			Help:      "Record files classified by a recovery scan.",
		}, []string{"result"},
	)

	pipelineSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Executed pipeline steps by command.",
		}, []string{"op"},
	)
	pipelineCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commits_total",
			Help:      "Committed pipeline generations by outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendSpawns, backendReady, backendFailures, backendExits, backendReadyDuration,
		backendsAlive, recoveredRecords, pipelineSteps, pipelineCommits,
		backendCPU, backendMemory,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with the default registry
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

func IncSpawn(backend string) {
	if regOK.Load() {
		backendSpawns.WithLabelValues(backend).Inc()
	}
}

func IncReady(backend string, seconds float64) {
	if regOK.Load() {
		backendReady.WithLabelValues(backend).Inc()
		backendReadyDuration.WithLabelValues(backend).Observe(seconds)
	}
}

func IncFailure(backend, reason string) {
	if regOK.Load() {
		backendFailures.WithLabelValues(backend, reason).Inc()
	}
}

func IncExit(backend string) {
	if regOK.Load() {
		backendExits.WithLabelValues(backend).Inc()
	}
}

func SetAlive(n int) {
	if regOK.Load() {
		backendsAlive.Set(float64(n))
	}
}

// AddRecovered counts records found alive and dead by a recovery scan.
func AddRecovered(alive, dead int) {
	if regOK.Load() {
		recoveredRecords.WithLabelValues("alive").Add(float64(alive))
		recoveredRecords.WithLabelValues("dead").Add(float64(dead))
	}
}

func IncStep(op string) {
	if regOK.Load() {
		pipelineSteps.WithLabelValues(op).Inc()
	}
}

// IncCommit records a finished generation; ok is false when it short-circuited.
func IncCommit(ok bool) {
	if regOK.Load() {
		outcome := "ok"
		if !ok {
			outcome = "short_circuit"
		}
		pipelineCommits.WithLabelValues(outcome).Inc()
	}
}
