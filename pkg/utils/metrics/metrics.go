// Package metrics holds the OpenTelemetry instruments recorded by the retrieval and indexing paths.
//
// The package-level Default instance uses the global MeterProvider, which is a no-op until an SDK provider
// is installed. Tests should build their own instance with New and an SDK provider backed by a ManualReader.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/nihongo-cloud/kotoba"

// Metrics holds all metric instruments. The OTel types handle their own synchronisation.
type Metrics struct {
	// EmbeddingRequests counts provider calls by status ("ok", "retry", "rejected", "timeout").
	EmbeddingRequests metric.Int64Counter

	// EmbeddingFailures counts records that could not be embedded.
	EmbeddingFailures metric.Int64Counter

	// IndexBuilds counts builds by result ("ok", "empty", "error").
	IndexBuilds metric.Int64Counter

	// IndexLoads counts snapshot acquisitions by source ("storage", "rebuild", "error").
	IndexLoads metric.Int64Counter

	// SearchDuration tracks similarity search latency.
	SearchDuration metric.Float64Histogram

	// ToolCalls counts tool executions by tool and status.
	ToolCalls metric.Int64Counter

	// TurnRounds records the number of model rounds a conversation turn needed.
	TurnRounds metric.Int64Histogram
}

var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// New creates a Metrics instance from the given provider
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EmbeddingRequests, err = m.Int64Counter("kotoba.embedding.requests",
		metric.WithDescription("Embedding provider calls by status."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingFailures, err = m.Int64Counter("kotoba.embedding.failures",
		metric.WithDescription("Records skipped because they could not be embedded."),
	); err != nil {
		return nil, err
	}
	if met.IndexBuilds, err = m.Int64Counter("kotoba.index.builds",
		metric.WithDescription("Vector index builds by result."),
	); err != nil {
		return nil, err
	}
	if met.IndexLoads, err = m.Int64Counter("kotoba.index.loads",
		metric.WithDescription("Vector index snapshot acquisitions by source."),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("kotoba.index.search.duration",
		metric.WithDescription("Latency of similarity search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("kotoba.tool.calls",
		metric.WithDescription("Tool executions by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnRounds, err = m.Int64Histogram("kotoba.chat.turn.rounds",
		metric.WithDescription("Model rounds per conversation turn."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 8),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level instance built from otel.GetMeterProvider
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

// Count adds one to a counter with a single status attribute
func Count(ctx context.Context, c metric.Int64Counter, status string, attrs ...attribute.KeyValue) {
	attrs = append(attrs, attribute.String("status", status))
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Since records the elapsed seconds since start
func Since(ctx context.Context, h metric.Float64Histogram, start time.Time) {
	h.Record(ctx, time.Since(start).Seconds())
}
