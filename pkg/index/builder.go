package index

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/embedding"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/nihongo-cloud/kotoba/pkg/utils/metrics"
)

// Builder assembles a snapshot from every record carrying a current embedding
type Builder struct {
	repo      repository.Repository
	model     string
	dimension int
	metrics   *metrics.Metrics
	now       func() time.Time
}

type BuilderOption func(*Builder)

func WithBuilderMetrics(m *metrics.Metrics) BuilderOption {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a Builder that accepts embeddings produced by modelID with the given dimension
func NewBuilder(repo repository.Repository, modelID string, dimension int, opts ...BuilderOption) *Builder {
	b := &Builder{
		repo:      repo,
		model:     modelID,
		dimension: dimension,
		metrics:   metrics.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildReport counts what a build saw
type BuildReport struct {
	Indexed int
	Stale   int
	Missing int
}

// Build scans every kind and returns a new unsaved snapshot.
// It fails with model.ErrEmptyIndex when no record has a current embedding.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	snap, _, err := b.BuildWithReport(ctx)
	return snap, err
}

func (b *Builder) BuildWithReport(ctx context.Context) (*Snapshot, *BuildReport, error) {
	report := &BuildReport{}
	vectors, err := NewVectors(b.dimension)
	if err != nil {
		metrics.Count(ctx, b.metrics.IndexBuilds, "error")
		return nil, report, err
	}

	for _, kind := range model.Kinds() {
		records, err := b.repo.ListRecords(ctx, kind)
		if err != nil {
			metrics.Count(ctx, b.metrics.IndexBuilds, "error")
			return nil, report, goerr.Wrap(err, "failed to list records", goerr.V("kind", kind))
		}

		for _, rec := range records {
			emb := rec.CurrentEmbedding()
			if emb == nil {
				report.Missing++
				continue
			}

			hash := embedding.ContentHash(embedding.Extract(rec), b.model)
			if !emb.IsCurrent(hash, b.model, b.dimension) {
				report.Stale++
				continue
			}

			if err := vectors.Add(ctx, model.RefOf(rec), emb.Vector); err != nil {
				report.Stale++
				continue
			}
			report.Indexed++
		}
	}

	logger := logging.From(ctx)
	if vectors.Len() == 0 {
		metrics.Count(ctx, b.metrics.IndexBuilds, "empty")
		return nil, report, goerr.Wrap(model.ErrEmptyIndex, "no record has a current embedding",
			goerr.V("stale", report.Stale),
			goerr.V("missing", report.Missing))
	}
	if report.Stale > 0 {
		logger.Warn("stale embeddings excluded from index", "count", report.Stale)
	}

	snap := newSnapshot(Meta{
		Model:   b.model,
		BuiltAt: b.now().UTC(),
	}, vectors)

	metrics.Count(ctx, b.metrics.IndexBuilds, "ok")
	logger.Info("vector index built",
		"count", report.Indexed,
		"stale", report.Stale,
		"missing", report.Missing,
		"dimension", b.dimension)

	return snap, report, nil
}
