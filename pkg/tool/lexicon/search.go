package lexicon

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
)

// Search methods reported with results
const (
	MethodVector   = "vector"
	MethodExact    = "exact"
	MethodFold     = "case_insensitive"
	MethodContains = "partial"
	MethodNone     = "none"
)

// Hit is one record found by a search
type Hit struct {
	Record   model.Entity
	Distance *float32
}

// SearchResult is the outcome of a two-tier search
type SearchResult struct {
	Kind   model.Kind
	Query  string
	Method string
	Hits   []Hit
}

func (r *SearchResult) response(baseURL string) map[string]any {
	results := make([]map[string]any, 0, len(r.Hits))
	for _, h := range r.Hits {
		view := Render(h.Record, baseURL)
		if h.Distance != nil {
			view["distance"] = *h.Distance
		}
		results = append(results, view)
	}

	resp := map[string]any{
		"found":   len(r.Hits) > 0,
		"method":  r.Method,
		"results": results,
	}
	if len(r.Hits) == 0 {
		resp["message"] = "no " + string(r.Kind) + " entry matches " + r.Query
	}
	return resp
}

// Search looks query up among records of one kind. The vector index is tried first; when its closest match
// is farther than the acceptance distance, exact then case-insensitive then partial field matching against
// the record store is tried. Records without a current embedding are still found by the second tier.
func (t *Tool) Search(ctx context.Context, kind model.Kind, query string, limit int) (*SearchResult, error) {
	limit = min(max(limit, 1), maxLimit)
	result := &SearchResult{Kind: kind, Query: query, Method: MethodNone}

	hits, err := t.vectorSearch(ctx, kind, query, limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, goerr.Wrap(ctx.Err(), "search aborted")
		}
		logging.From(ctx).Warn("vector search unavailable, using exact match", "kind", kind, "error", err)
	}
	if len(hits) > 0 {
		result.Method = MethodVector
		result.Hits = hits
		return result, nil
	}

	records, mode, err := t.ExactMatch(ctx, kind, query, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "exact match failed", goerr.V("kind", kind))
	}
	if len(records) > 0 {
		result.Method = MethodOf(mode)
		for _, rec := range records {
			result.Hits = append(result.Hits, Hit{Record: rec})
		}
	}
	return result, nil
}

func (t *Tool) vectorSearch(ctx context.Context, kind model.Kind, query string, limit int) ([]Hit, error) {
	if t.embedder == nil || t.index == nil {
		return nil, nil
	}

	vec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	matches, err := t.index.SimilaritySearch(ctx, vec, limit, kind)
	if err != nil {
		return nil, goerr.Wrap(err, "similarity search failed")
	}
	if len(matches) == 0 || float64(matches[0].Distance) > t.acceptDistance {
		return nil, nil
	}

	var hits []Hit
	for _, m := range matches {
		if float64(m.Distance) > t.acceptDistance {
			break
		}
		rec, err := t.repo.GetRecord(ctx, m.Kind, m.ID)
		if err != nil {
			// the record was deleted after the index was built
			if isNotFound(err) {
				continue
			}
			return nil, goerr.Wrap(err, "failed to fetch matched record", goerr.V("ref", m.Ref.String()))
		}
		d := m.Distance
		hits = append(hits, Hit{Record: rec, Distance: &d})
	}
	return hits, nil
}

// ExactMatch tries exact, case-insensitive and partial matching in that order and returns the first
// non-empty tier
func (t *Tool) ExactMatch(ctx context.Context, kind model.Kind, query string, limit int) ([]model.Entity, repository.MatchMode, error) {
	for _, mode := range []repository.MatchMode{repository.MatchExact, repository.MatchFold, repository.MatchContains} {
		records, err := t.repo.QueryRecords(ctx, kind, repository.Filter{
			Value: query,
			Mode:  mode,
			Limit: limit,
		})
		if err != nil {
			return nil, mode, err
		}
		if len(records) > 0 {
			return records, mode, nil
		}
	}
	return nil, repository.MatchExact, nil
}

// MethodOf names the search method reported for an exact match tier
func MethodOf(mode repository.MatchMode) string {
	switch mode {
	case repository.MatchFold:
		return MethodFold
	case repository.MatchContains:
		return MethodContains
	default:
		return MethodExact
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrRecordNotFound)
}
