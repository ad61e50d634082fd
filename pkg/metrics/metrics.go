package metrics

import (
	"wakeproxy/pkg/mux"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wakeproxy"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ProvisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisions_total",
		Help:      "Total number of provisioning attempts by outcome.",
	}, []string{"outcome"})

	ProvisionDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provision_duration_seconds",
		Help:      "The duration to ensure a healthy instance for a request.",
		Buckets:   []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
	}, []string{"start"})

	ColdStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cold_starts_total",
		Help:      "Total number of instances started on demand.",
	})

	ForwardedRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_requests_total",
		Help:      "Total number of requests forwarded to instances by status class.",
	}, []string{"class"})

	ReaperActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaper_actions_total",
		Help:      "Total number of reclamation actions taken by the reaper.",
	}, []string{"action"})

	ReaperCycleDurHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reaper_cycle_duration_seconds",
		Help:      "The duration of a reaper cycle.",
	})

	TrackedReferences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_references",
		Help:      "Number of artifact references in the access ledger.",
	})
)

func Register() {
	DefaultRegisterer.MustRegister(ProvisionsTotal)
	DefaultRegisterer.MustRegister(ProvisionDurHistogram)
	DefaultRegisterer.MustRegister(ColdStartsTotal)
	DefaultRegisterer.MustRegister(ForwardedRequestsTotal)
	DefaultRegisterer.MustRegister(ReaperActionsTotal)
	DefaultRegisterer.MustRegister(ReaperCycleDurHistogram)
	DefaultRegisterer.MustRegister(TrackedReferences)
	mux.RegisterMetrics(DefaultRegisterer)
}
