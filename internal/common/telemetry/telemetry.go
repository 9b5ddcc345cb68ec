// File path: internal/common/telemetry/telemetry.go
package telemetry

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

type spanKey struct{}

type span struct {
	name  string
	start time.Time
}

var (
	initOnce sync.Once

	vectorSearchTotal   prometheus.Counter
	vectorSearchSeconds prometheus.Histogram

	embedBatchesTotal prometheus.Counter
	embedInputsTotal  prometheus.Counter
	embedRetriesTotal prometheus.Counter
	embedSeconds      prometheus.Histogram

	ingestFilesTotal  *prometheus.CounterVec
	ingestChunksTotal prometheus.Counter
	activitySeconds   *prometheus.HistogramVec

	agentQueriesTotal *prometheus.CounterVec
	agentStageSeconds *prometheus.HistogramVec
)

func ensureInit() {
	initOnce.Do(func() {
		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

		vectorSearchTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeatlas_vector_search_total", Help: "Vector store queries issued"})
		vectorSearchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "codeatlas_vector_search_seconds", Help: "Vector store query latency", Buckets: buckets})

		embedBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeatlas_embed_batches_total", Help: "Embedding batches sent"})
		embedInputsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeatlas_embed_inputs_total", Help: "Texts embedded"})
		embedRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeatlas_embed_retries_total", Help: "Embedding batch retries"})
		embedSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "codeatlas_embed_seconds", Help: "Embedding batch latency", Buckets: buckets})

		ingestFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeatlas_ingest_files_total", Help: "Files seen during ingestion by outcome"},
			[]string{"outcome"})
		ingestChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeatlas_ingest_chunks_total", Help: "Chunks produced during ingestion"})
		activitySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "codeatlas_ingest_activity_seconds", Help: "Ingestion activity duration", Buckets: buckets},
			[]string{"activity"})

		agentQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeatlas_agent_queries_total", Help: "Agent queries by outcome"},
			[]string{"outcome"})
		agentStageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "codeatlas_agent_stage_seconds", Help: "Agent stage duration", Buckets: buckets},
			[]string{"stage"})

		prometheus.MustRegister(
			vectorSearchTotal, vectorSearchSeconds,
			embedBatchesTotal, embedInputsTotal, embedRetriesTotal, embedSeconds,
			ingestFilesTotal, ingestChunksTotal, activitySeconds,
			agentQueriesTotal, agentStageSeconds,
		)
	})
}

// Handler exposes the metrics endpoint for the HTTP server.
func Handler() http.Handler {
	ensureInit()
	return promhttp.Handler()
}

// StartSpan logs a debug trace span and returns a closer recording its duration.
func StartSpan(ctx context.Context, name string) (context.Context, func(attrs ...interface{})) {
	ensureInit()
	sp := &span{name: name, start: time.Now()}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	logger := common.Logger()
	logger.Debug("trace: start", "span", name)
	return ctx, func(attrs ...interface{}) {
		duration := time.Since(sp.start)
		logger.Debug("trace: end", append([]interface{}{"span", name, "dur", duration}, attrs...)...)
	}
}

func SpanDuration(ctx context.Context) time.Duration {
	sp, _ := ctx.Value(spanKey{}).(*span)
	if sp == nil {
		return 0
	}
	return time.Since(sp.start)
}

func RecordVectorSearch(duration time.Duration) {
	ensureInit()
	vectorSearchTotal.Inc()
	if duration > 0 {
		vectorSearchSeconds.Observe(duration.Seconds())
	}
}

func RecordEmbedBatch(inputs int, duration time.Duration) {
	ensureInit()
	if inputs <= 0 {
		return
	}
	embedBatchesTotal.Inc()
	embedInputsTotal.Add(float64(inputs))
	if duration > 0 {
		embedSeconds.Observe(duration.Seconds())
	}
}

func RecordEmbedRetry() {
	ensureInit()
	embedRetriesTotal.Inc()
}

func RecordIngestFile(outcome string) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(outcome))
	if key == "" {
		key = "processed"
	}
	ingestFilesTotal.WithLabelValues(key).Inc()
}

func RecordIngestChunks(count int) {
	ensureInit()
	if count > 0 {
		ingestChunksTotal.Add(float64(count))
	}
}

func RecordActivity(activity string, duration time.Duration) {
	ensureInit()
	if duration > 0 {
		activitySeconds.WithLabelValues(activity).Observe(duration.Seconds())
	}
}

func RecordAgentQuery(outcome string) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(outcome))
	if key == "" {
		key = "ok"
	}
	agentQueriesTotal.WithLabelValues(key).Inc()
}

func RecordAgentStage(stage string, duration time.Duration) {
	ensureInit()
	if duration > 0 {
		agentStageSeconds.WithLabelValues(stage).Observe(duration.Seconds())
	}
}
