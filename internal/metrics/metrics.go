package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagw_dispatch_total",
			Help: "Dispatch decisions by outcome",
		},
		[]string{"decision"}, // allowed|denied|failed
	)

	PipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagw_pipeline_errors_total",
			Help: "Fatal pipeline errors by kind",
		},
		[]string{"kind"},
	)

	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotagw_reconcile_total",
			Help: "Ledger counter write-backs by outcome",
		},
		[]string{"outcome"}, // applied|retried|conflict|failed|dropped
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotagw_stage_duration_seconds",
			Help:    "Pipeline stage latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"}, // credential|resolve|ledger|dispatch|reconcile
	)

	LedgerPagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotagw_ledger_pages_total",
			Help: "Ledger pages fetched from the remote list",
		},
	)
)

var once sync.Once

// MustRegister registers all collectors once; later calls are no-ops.
func MustRegister(r prometheus.Registerer) {
	once.Do(func() {
		r.MustRegister(
			DispatchTotal,
			PipelineErrorsTotal,
			ReconcileTotal,
			StageDuration,
			LedgerPagesTotal,
		)
	})
}
