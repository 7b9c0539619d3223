// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RowsStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowstage_rows_staged_total",
		Help: "Rows written to a staging table",
	}, []string{"table"})

	BatchWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowstage_batch_writes_total",
		Help: "Batch write calls issued to the store",
	})

	BatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowstage_batch_retries_total",
		Help: "Batch write retries caused by unprocessed items or throttling",
	})

	ClaimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowstage_claim_outcomes_total",
		Help: "Claim coordinator transitions by outcome",
	}, []string{"outcome"})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowstage_scheduler_ticks_total",
		Help: "Scheduler ticks by result",
	}, []string{"result"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowstage_dispatches_total",
		Help: "Batches published downstream by result",
	}, []string{"result"})

	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowstage_ingest_requests_total",
		Help: "Ingest calls by source and result",
	}, []string{"source", "result"})

	IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rowstage_ingest_duration_seconds",
		Help:    "Time spent ingesting one file or payload",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"source"})
)

// Claim outcome labels.
const (
	OutcomeWon       = "won"
	OutcomeLost      = "lost"
	OutcomeProcessed = "processed"
	OutcomeReverted  = "reverted"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
