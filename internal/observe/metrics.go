// Package observe provides observability primitives for memkeep:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all memkeep metrics.
const meterName = "github.com/memkeep/memkeep"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// TurnsAppended counts turns appended to the conversation graph.
	TurnsAppended metric.Int64Counter

	// TurnsDemoted counts turns moved from hot to compressed storage.
	TurnsDemoted metric.Int64Counter

	// ShardsArchived counts compressed shards moved to archived storage.
	ShardsArchived metric.Int64Counter

	// WALAppends counts WAL entries by status. Use with attribute:
	//   attribute.String("status", ...)
	WALAppends metric.Int64Counter

	// QueueDrops counts embedding-queue puts rejected because the queue was
	// full or the id was already pending.
	QueueDrops metric.Int64Counter

	// LearningsEmbedded counts learnings that received an embedding.
	LearningsEmbedded metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of pending embedding jobs.
	QueueDepth metric.Int64UpDownCounter

	// --- Latency histograms ---

	// RetrievalDuration tracks parallel retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// RerankDuration tracks cross-encoder rerank latency.
	RerankDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// retrieval calls that sit on the critical path of every agent turn.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.TurnsAppended, err = m.Int64Counter("memkeep.turns.appended",
		metric.WithDescription("Total turns appended to the conversation graph."),
	); err != nil {
		return nil, err
	}
	if met.TurnsDemoted, err = m.Int64Counter("memkeep.turns.demoted",
		metric.WithDescription("Total turns demoted from hot to compressed storage."),
	); err != nil {
		return nil, err
	}
	if met.ShardsArchived, err = m.Int64Counter("memkeep.shards.archived",
		metric.WithDescription("Total compressed shards moved to archived storage."),
	); err != nil {
		return nil, err
	}
	if met.WALAppends, err = m.Int64Counter("memkeep.wal.appends",
		metric.WithDescription("Total WAL entries appended, by status."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("memkeep.embedq.drops",
		metric.WithDescription("Total embedding-queue puts rejected (duplicate or full)."),
	); err != nil {
		return nil, err
	}
	if met.LearningsEmbedded, err = m.Int64Counter("memkeep.learnings.embedded",
		metric.WithDescription("Total learnings enriched with an embedding vector."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("memkeep.embedq.depth",
		metric.WithDescription("Number of pending embedding jobs."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.RetrievalDuration, err = m.Float64Histogram("memkeep.retrieval.duration",
		metric.WithDescription("Latency of parallel retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RerankDuration, err = m.Float64Histogram("memkeep.rerank.duration",
		metric.WithDescription("Latency of cross-encoder reranking."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordWALAppend records a WAL append with the standard status attribute.
func (m *Metrics) RecordWALAppend(ctx context.Context, status string) {
	m.WALAppends.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRetrieval records one retrieval call's latency.
func (m *Metrics) RecordRetrieval(ctx context.Context, d time.Duration) {
	m.RetrievalDuration.Record(ctx, d.Seconds())
}

// RecordRerank records one rerank call's latency.
func (m *Metrics) RecordRerank(ctx context.Context, d time.Duration) {
	m.RerankDuration.Record(ctx, d.Seconds())
}
