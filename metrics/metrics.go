// Package metrics exposes prometheus counters for discovery, topology and the wire
// transport. A nil *Recorder is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mini_wire"

// Results used as the result label.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultExists   = "exists"
	ResultNotFound = "not_found"
)

// Recorder owns one set of collectors registered on one registerer.
type Recorder struct {
	watchErrors   prometheus.Counter
	rescans       prometheus.Counter
	directoryOps  *prometheus.CounterVec
	registrations *prometheus.CounterVec
	adminEvents   *prometheus.CounterVec
	calls         *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		watchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "watch_errors_total",
			Help:      "Directory watch calls that ended in an error.",
		}),
		rescans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "rescans_total",
			Help:      "Full recursive reads of the directory root.",
		}),
		directoryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "directory_ops_total",
			Help:      "Directory requests by operation and result.",
		}, []string{"op", "result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "registrations_total",
			Help:      "Export and import attempts by kind and result.",
		}, []string{"kind", "result"}),
		adminEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "admin_events_total",
			Help:      "Admin events received by the topology manager, by type.",
		}, []string{"type"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "calls_total",
			Help:      "Messages dispatched to receivers, by method and result.",
		}, []string{"method", "result"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "call_duration_seconds",
			Help:      "Receiver dispatch latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
	}
	for _, c := range []prometheus.Collector{
		r.watchErrors, r.rescans, r.directoryOps, r.registrations, r.adminEvents, r.calls, r.callLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WatchError counts one failed directory watch.
func (r *Recorder) WatchError() {
	if r == nil {
		return
	}
	r.watchErrors.Inc()
}

// Rescan counts one full directory read.
func (r *Recorder) Rescan() {
	if r == nil {
		return
	}
	r.rescans.Inc()
}

// DirectoryOp counts one directory request. sentinels maps known errors to results.
func (r *Recorder) DirectoryOp(op string, err error, sentinels map[error]string) {
	if r == nil {
		return
	}
	r.directoryOps.WithLabelValues(op, classify(err, sentinels)).Inc()
}

// Registration counts one export or import attempt.
func (r *Recorder) Registration(kind string, err error) {
	if r == nil {
		return
	}
	r.registrations.WithLabelValues(kind, classify(err, nil)).Inc()
}

// AdminEvent counts one admin event by its type name.
func (r *Recorder) AdminEvent(eventType string) {
	if r == nil {
		return
	}
	r.adminEvents.WithLabelValues(eventType).Inc()
}

// Call records one receiver dispatch.
func (r *Recorder) Call(method string, seconds float64, err error) {
	if r == nil {
		return
	}
	r.calls.WithLabelValues(method, classify(err, nil)).Inc()
	r.callLatency.WithLabelValues(method).Observe(seconds)
}

func classify(err error, sentinels map[error]string) string {
	if err == nil {
		return ResultOK
	}
	for target, result := range sentinels {
		if errors.Is(err, target) {
			return result
		}
	}
	return ResultError
}
