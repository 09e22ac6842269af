// Package metrics exposes Prometheus collectors for a running harness.
// They are advisory instrumentation for long soak runs; the pass/fail
// signal never depends on them.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	loopsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "powercycle",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Number of completed test loop iterations.",
		},
	)
	loopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "powercycle",
			Subsystem: "loop",
			Name:      "iteration_duration_seconds",
			Help:      "Wall-clock duration of one test loop iteration.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 8),
		},
	)
	remoteOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powercycle",
			Subsystem: "remote",
			Name:      "operations_total",
			Help:      "Remote operations dispatched to the agent, by operation and outcome.",
		}, []string{"op", "outcome"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powercycle",
			Subsystem: "run",
			Name:      "failures_total",
			Help:      "Run failures by taxonomy entry.",
		}, []string{"kind"},
	)
)

// Register registers all collectors with r. It is safe to call more than
// once; calls after a success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{loopsCompleted, loopDuration, remoteOps, failures}
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

// Serve exposes /metrics on addr in the background. Errors are returned
// from the listener setup only; serving errors are dropped.
func Serve(addr string) error {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return nil
}

func IncLoop(d time.Duration) {
	loopsCompleted.Inc()
	loopDuration.Observe(d.Seconds())
}

func IncRemoteOp(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	remoteOps.WithLabelValues(op, outcome).Inc()
}

func IncFailure(kind string) {
	failures.WithLabelValues(kind).Inc()
}
