package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/nihongo-cloud/kotoba/pkg/utils/metrics"
	"github.com/nihongo-cloud/kotoba/pkg/utils/retry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Client is the raw embedding endpoint. adapter.GeminiClient implements it.
type Client interface {
	EmbedContents(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// Failure reasons attached to model.EmbeddingFailure
const (
	ReasonEmptyText         = "empty_text"
	ReasonTimeout           = "timeout"
	ReasonRejected          = "rejected"
	ReasonDimensionMismatch = "dimension_mismatch"
	ReasonUnavailable       = "unavailable"
	ReasonCanceled          = "canceled"
	ReasonStoreWrite        = "store_write"
)

const (
	DefaultBatchSize = 100
	DefaultQPS       = 10
	DefaultTimeout   = 30 * time.Second
)

var errRateWait = goerr.New("rate limiter wait failed")

// Provider wraps a Client with chunking, per-call timeouts, bounded retries, throttling and vector validation.
// Every vector it returns has the configured dimension and unit length.
type Provider struct {
	client    Client
	model     string
	dimension int
	batchSize int
	timeout   time.Duration
	policy    retry.Policy
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

func WithDimension(dim int) Option {
	return func(p *Provider) { p.dimension = dim }
}

func WithBatchSize(n int) Option {
	return func(p *Provider) { p.batchSize = n }
}

// WithTimeout sets the deadline of a single provider call
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Provider) { p.policy = policy }
}

// WithRateLimit throttles provider calls. qps <= 0 disables throttling.
func WithRateLimit(qps float64, burst int) Option {
	return func(p *Provider) {
		if qps <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(qps), max(burst, 1))
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

func NewProvider(client Client, opts ...Option) *Provider {
	p := &Provider{
		client:    client,
		model:     adapter.DefaultEmbeddingModel,
		dimension: adapter.DefaultEmbeddingDimension,
		batchSize: DefaultBatchSize,
		timeout:   DefaultTimeout,
		policy:    retry.DefaultPolicy,
		limiter:   rate.NewLimiter(rate.Limit(DefaultQPS), DefaultQPS),
		metrics:   metrics.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.batchSize <= 0 {
		p.batchSize = 1
	}
	return p
}

// Model returns the model id stored with every embedding
func (p *Provider) Model() string {
	return p.model
}

// Dimension returns D
func (p *Provider) Dimension() int {
	return p.dimension
}

// BatchSize returns the number of texts sent per provider call
func (p *Provider) BatchSize() int {
	return p.batchSize
}

// Embed embeds a search query
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, goerr.Wrap(model.ErrProviderRejected, "empty query text")
	}

	vectors, err := p.call(ctx, []string{text}, adapter.TaskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Input is one record to embed
type Input struct {
	Ref  model.Ref
	Text string
}

// Result is the outcome for the Input at the same position. Exactly one of Vector and Err is set;
// Err is always a *model.EmbeddingFailure.
type Result struct {
	Ref    model.Ref
	Vector []float32
	Err    error
}

// EmbedBatch embeds inputs in chunks and returns one Result per input, in input order.
// A failing record never fails the batch: it is reported in its Result and the rest continue.
func (p *Provider) EmbedBatch(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	pending := make([]int, 0, len(inputs))
	for i, in := range inputs {
		results[i].Ref = in.Ref
		if strings.TrimSpace(in.Text) == "" {
			results[i].Err = p.failure(ctx, in.Ref, ReasonEmptyText, nil)
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += p.batchSize {
		chunk := pending[start:min(start+p.batchSize, len(pending))]
		p.embedChunk(ctx, inputs, results, chunk)
	}

	return results
}

func (p *Provider) embedChunk(ctx context.Context, inputs []Input, results []Result, chunk []int) {
	texts := make([]string, len(chunk))
	for i, idx := range chunk {
		texts[i] = inputs[idx].Text
	}

	vectors, err := p.call(ctx, texts, adapter.TaskRetrievalDocument)
	if err == nil {
		for i, idx := range chunk {
			results[idx].Vector = vectors[i]
		}
		return
	}

	// A permanent rejection of a multi-record request is usually caused by one record. Retry each alone
	// so the rest still get embedded.
	if len(chunk) > 1 && ctx.Err() == nil && isPermanent(err) {
		logging.From(ctx).Warn("batch rejected, isolating records", "size", len(chunk), "error", err)
		for _, idx := range chunk {
			p.embedChunk(ctx, inputs, results, []int{idx})
		}
		return
	}

	reason := failureReason(ctx, err)
	for _, idx := range chunk {
		results[idx].Err = p.failure(ctx, inputs[idx].Ref, reason, err)
	}
}

func (p *Provider) failure(ctx context.Context, ref model.Ref, reason string, err error) error {
	p.metrics.EmbeddingFailures.Add(ctx, 1)
	return &model.EmbeddingFailure{Ref: ref, Reason: reason, Err: err}
}

// call sends one request with throttling, per-call timeout and bounded retries
func (p *Provider) call(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	var out [][]float32

	err := retry.Do(ctx, p.policy, isTransient, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return goerr.Wrap(errRateWait, "rate limit wait", goerr.V("error", err.Error()))
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		vectors, err := p.client.EmbedContents(callCtx, texts, taskType)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return goerr.Wrap(ctx.Err(), "embedding canceled")
			case errors.Is(callCtx.Err(), context.DeadlineExceeded):
				p.countRequest(ctx, "timeout")
				return goerr.Wrap(model.ErrProviderTimeout, "embedding request timed out",
					goerr.V("timeout", p.timeout),
					goerr.V("error", err.Error()))
			case adapter.IsRetryable(err):
				p.countRequest(ctx, "retry")
				return goerr.Wrap(err, "transient embedding failure")
			default:
				p.countRequest(ctx, "rejected")
				return goerr.Wrap(model.ErrProviderRejected, "embedding request rejected",
					goerr.V("error", err.Error()))
			}
		}

		if len(vectors) != len(texts) {
			p.countRequest(ctx, "rejected")
			return goerr.Wrap(model.ErrProviderRejected, "unexpected number of vectors",
				goerr.V("expected", len(texts)),
				goerr.V("actual", len(vectors)))
		}

		normalized := make([][]float32, len(vectors))
		for i, v := range vectors {
			if len(v) != p.dimension {
				p.countRequest(ctx, "rejected")
				return goerr.Wrap(model.ErrDimensionMatch, "provider returned wrong dimension",
					goerr.V("expected", p.dimension),
					goerr.V("actual", len(v)))
			}
			n, ok := Normalize(v)
			if !ok {
				p.countRequest(ctx, "rejected")
				return goerr.Wrap(model.ErrProviderRejected, "provider returned zero vector", goerr.V("index", i))
			}
			normalized[i] = n
		}

		p.countRequest(ctx, "ok")
		out = normalized
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (p *Provider) countRequest(ctx context.Context, status string) {
	metrics.Count(ctx, p.metrics.EmbeddingRequests, status, attribute.String("model", p.model))
}

func isPermanent(err error) bool {
	return errors.Is(err, model.ErrProviderRejected) || errors.Is(err, model.ErrDimensionMatch)
}

func isTransient(err error) bool {
	if errors.Is(err, model.ErrProviderTimeout) {
		return true
	}
	if isPermanent(err) || errors.Is(err, errRateWait) {
		return false
	}
	return adapter.IsRetryable(err)
}

func failureReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil, errors.Is(err, errRateWait):
		return ReasonCanceled
	case errors.Is(err, model.ErrProviderTimeout):
		return ReasonTimeout
	case errors.Is(err, model.ErrDimensionMatch):
		return ReasonDimensionMismatch
	case errors.Is(err, model.ErrProviderRejected):
		return ReasonRejected
	default:
		return ReasonUnavailable
	}
}

// Normalize returns v scaled to unit length. It reports false for a zero vector.
func Normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}

	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}
