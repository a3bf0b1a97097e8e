package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_batches_total",
		Help: "The total number of batches executed",
	}, []string{"job_id", "variant"})

	batchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_batch_errors_total",
		Help: "The total number of batches that ended in error",
	}, []string{"job_id", "variant"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratatosk_engine_batch_duration_seconds",
		Help:    "Time taken to execute one batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	rowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_rows_upserted_total",
		Help: "The total number of rows upserted into the sink",
	}, []string{"job_id"})

	rowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_rows_deleted_total",
		Help: "The total number of sink rows removed by delete detection",
	}, []string{"job_id"})

	sourcePages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_source_pages_total",
		Help: "The total number of source pages fetched",
	}, []string{"job_id"})

	loadJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_load_jobs_total",
		Help: "The total number of warehouse load jobs submitted",
	}, []string{"job_id"})

	schemaDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_schema_drift_total",
		Help: "The total number of drift DDL statements applied",
	}, []string{"job_id"})

	gateTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratatosk_engine_safety_gate_trips_total",
		Help: "The total number of delete-phase circuit breaker trips",
	}, []string{"gate"})
)
