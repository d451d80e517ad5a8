package embedding

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
)

// Syncer recomputes stale embeddings and writes them back onto records
type Syncer struct {
	repo     repository.Repository
	provider *Provider
	now      func() time.Time
}

func NewSyncer(repo repository.Repository, provider *Provider) *Syncer {
	return &Syncer{
		repo:     repo,
		provider: provider,
		now:      time.Now,
	}
}

type SyncInput struct {
	// Kinds to sync. Empty means every kind.
	Kinds []model.Kind
	// Force re-embeds records whose stored embedding is current
	Force bool
	// Limit caps the number of records embedded in one run. Zero means unlimited.
	Limit int
}

// SyncReport summarises one sync run
type SyncReport struct {
	Embedded int
	Skipped  int
	// Empty counts records that have no embeddable text
	Empty    int
	Deferred int
	Failures []*model.EmbeddingFailure
}

// Failed returns the number of records that could not be embedded or stored
func (r *SyncReport) Failed() int {
	return len(r.Failures)
}

// Sync embeds every record whose stored embedding does not match its current text.
// Running it twice over unchanged records issues no provider calls the second time.
func (s *Syncer) Sync(ctx context.Context, input SyncInput) (*SyncReport, error) {
	kinds := input.Kinds
	if len(kinds) == 0 {
		kinds = model.Kinds()
	}

	report := &SyncReport{}
	var pending []Input
	hashes := make(map[model.Ref]string)

	for _, kind := range kinds {
		records, err := s.repo.ListRecords(ctx, kind)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list records", goerr.V("kind", kind))
		}

		for _, rec := range records {
			ref := model.RefOf(rec)
			text := Extract(rec)
			if text == "" {
				report.Empty++
				logging.From(ctx).Warn("record has no embeddable text", "kind", ref.Kind, "id", ref.ID)
				continue
			}

			hash := ContentHash(text, s.provider.Model())
			if !input.Force && rec.CurrentEmbedding().IsCurrent(hash, s.provider.Model(), s.provider.Dimension()) {
				report.Skipped++
				continue
			}

			if input.Limit > 0 && len(pending) >= input.Limit {
				report.Deferred++
				continue
			}
			pending = append(pending, Input{Ref: ref, Text: text})
			hashes[ref] = hash
		}
	}

	if len(pending) == 0 {
		return report, nil
	}

	logging.From(ctx).Info("embedding stale records", "count", len(pending), "model", s.provider.Model())

	// each chunk is stored before the next is requested, so an interrupted run keeps what it paid for
	for chunk := range slices.Chunk(pending, s.provider.BatchSize()) {
		if ctx.Err() != nil {
			report.Deferred += len(chunk)
			continue
		}
		s.store(ctx, report, hashes, s.provider.EmbedBatch(ctx, chunk))
	}

	if err := ctx.Err(); err != nil {
		return report, goerr.Wrap(err, "sync interrupted", goerr.V("embedded", report.Embedded))
	}

	return report, nil
}

func (s *Syncer) store(ctx context.Context, report *SyncReport, hashes map[model.Ref]string, results []Result) {
	for _, res := range results {
		if res.Err != nil {
			var failure *model.EmbeddingFailure
			if !errors.As(res.Err, &failure) {
				failure = &model.EmbeddingFailure{Ref: res.Ref, Reason: ReasonUnavailable, Err: res.Err}
			}
			report.Failures = append(report.Failures, failure)
			logging.From(ctx).Warn("failed to embed record",
				"kind", res.Ref.Kind,
				"id", res.Ref.ID,
				"reason", failure.Reason,
				"error", failure.Err)
			continue
		}

		emb := &model.Embedding{
			Vector:      res.Vector,
			ContentHash: hashes[res.Ref],
			Model:       s.provider.Model(),
			Dimension:   s.provider.Dimension(),
			GeneratedAt: s.now().UTC(),
		}
		if err := s.repo.PutEmbedding(ctx, res.Ref, emb); err != nil {
			report.Failures = append(report.Failures, &model.EmbeddingFailure{
				Ref:    res.Ref,
				Reason: ReasonStoreWrite,
				Err:    err,
			})
			logging.From(ctx).Warn("failed to store embedding", "kind", res.Ref.Kind, "id", res.Ref.ID, "error", err)
			continue
		}
		report.Embedded++
	}
}
