// Package observe provides application-wide observability primitives for
// the memory core: OpenTelemetry metrics, distributed tracing, and
// structured logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/mnemohq/mnemo"

// Metrics holds all OpenTelemetry metric instruments for the memory core.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// IngestDuration tracks end-to-end turn ingestion latency (sanitize,
	// append, extraction, embedding).
	IngestDuration metric.Float64Histogram

	// RetrievalDuration tracks context retrieval latency. Use with
	// attribute: attribute.String("source", "session"|"long_term"|"graph").
	RetrievalDuration metric.Float64Histogram

	// LLMDuration tracks LLM request latency.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding request latency.
	EmbeddingDuration metric.Float64Histogram

	// MaintenancePhaseDuration tracks per-phase maintenance latency. Use
	// with attribute: attribute.String("phase", ...).
	MaintenancePhaseDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TurnsIngested counts stored turns. Use with attribute:
	//   attribute.String("role", ...)
	TurnsIngested metric.Int64Counter

	// MemoriesStored counts long-term memory writes. Use with attribute:
	//   attribute.String("outcome", "stored"|"merged"|"rejected")
	MemoriesStored metric.Int64Counter

	// MemoriesDeleted counts long-term memories removed by consolidation or
	// maintenance. Use with attribute: attribute.String("reason", ...).
	MemoriesDeleted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live (unarchived) sessions.
	ActiveSessions metric.Int64UpDownCounter

	// GraphEntities tracks the knowledge-graph entity count.
	GraphEntities metric.Int64UpDownCounter

	// GraphRelations tracks the knowledge-graph relation count.
	GraphRelations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Ingest
// and retrieval sit in the low buckets; LLM calls spread into the tail.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.IngestDuration, err = m.Float64Histogram("mnemo.ingest.duration",
		metric.WithDescription("Latency of turn ingestion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("mnemo.retrieval.duration",
		metric.WithDescription("Latency of context retrieval by source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("mnemo.llm.duration",
		metric.WithDescription("Latency of LLM requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("mnemo.embedding.duration",
		metric.WithDescription("Latency of embedding requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MaintenancePhaseDuration, err = m.Float64Histogram("mnemo.maintenance.phase.duration",
		metric.WithDescription("Latency of maintenance phases by phase name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("mnemo.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnsIngested, err = m.Int64Counter("mnemo.turns.ingested",
		metric.WithDescription("Total stored turns by role."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesStored, err = m.Int64Counter("mnemo.memories.stored",
		metric.WithDescription("Total long-term memory writes by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesDeleted, err = m.Int64Counter("mnemo.memories.deleted",
		metric.WithDescription("Total long-term memories removed by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("mnemo.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("mnemo.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.GraphEntities, err = m.Int64UpDownCounter("mnemo.graph.entities",
		metric.WithDescription("Knowledge-graph entity count."),
	); err != nil {
		return nil, err
	}
	if met.GraphRelations, err = m.Int64UpDownCounter("mnemo.graph.relations",
		metric.WithDescription("Knowledge-graph relation count."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurnIngested is a convenience method that records one stored turn.
func (m *Metrics) RecordTurnIngested(ctx context.Context, role string) {
	m.TurnsIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordMemoryStored is a convenience method that records one long-term
// write outcome: "stored", "merged", or "rejected".
func (m *Metrics) RecordMemoryStored(ctx context.Context, outcome string) {
	m.MemoriesStored.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// SetGraphSize updates both graph gauges to absolute values by recording
// the delta against the previous observation. Callers pass the current
// counts; the method is safe for concurrent use only through a single
// Metrics instance.
func (m *Metrics) SetGraphSize(ctx context.Context, entityDelta, relationDelta int64) {
	m.GraphEntities.Add(ctx, entityDelta)
	m.GraphRelations.Add(ctx, relationDelta)
}
