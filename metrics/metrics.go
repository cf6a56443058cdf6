// Package metrics defines the Prometheus counters and histograms the
// execution engine and VM registry emit. It is grounded on the teacher's
// use of github.com/prometheus/client_golang for observability, narrowed
// down to the handful of series this domain actually needs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CyclesTotal counts instruction steps executed across every VM
	// instance, labeled by terminal state so a dashboard can separate
	// "cheap halts" from "programs that ran to their budget".
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ihvm_cycles_total",
		Help: "Total instruction steps executed by IHVM instances.",
	}, []string{"state"})

	// PanicsTotal counts runtime panics, labeled by the panic code's
	// symbolic kind name (e.g. "DIV_BY_ZERO", "OUT_OF_BOUNDS").
	PanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ihvm_panics_total",
		Help: "Total IHVM runtime panics, labeled by panic code kind.",
	}, []string{"code"})

	// HaltsTotal counts clean halts.
	HaltsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ihvm_halts_total",
		Help: "Total IHVM instances that terminated via halt.",
	})

	// CyclesPerInvocation histograms the number of instruction steps
	// consumed by a single VM instance, regardless of terminal state.
	CyclesPerInvocation = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ihvm_cycles_per_invocation",
		Help:    "Instruction steps consumed per IHVM invocation.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	// MessagesSent counts successful send operations.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ihvm_messages_sent_total",
		Help: "Total messages successfully posted via send.",
	})
)

// Registry is the collector set cmd/ihvmctl's serve subcommand registers
// against an HTTP /metrics handler. Kept separate from the global default
// registry so tests can construct an isolated one per case.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(CyclesTotal, PanicsTotal, HaltsTotal, CyclesPerInvocation, MessagesSent)
	return r
}
