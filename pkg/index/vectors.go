package index

import (
	"context"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/philippgille/chromem-go"
)

// MetricL2 is squared Euclidean distance. On unit vectors it equals 2 - 2*cosine, so 0 is identical and 4 is opposite.
const MetricL2 = "l2"

const (
	collectionName = "records"
	kindKey        = "kind"

	// extra results fetched past k so equal distances at the cut-off are ordered by position
	tieSlack = MaxK
)

// Vectors is an exact nearest-neighbor index held in a chromem collection. Each record is a document whose
// ID is its ref and whose metadata carries its kind. Insertion order is the position that breaks distance ties.
type Vectors struct {
	dim   int
	db    *chromem.DB
	col   *chromem.Collection
	refs  []model.Ref
	pos   map[string]int
	kinds map[model.Kind]int
}

// precomputedOnly is installed as the collection's embedding func. Every document and query arrives with a
// vector, so chromem never has to embed text itself.
func precomputedOnly(ctx context.Context, text string) ([]float32, error) {
	return nil, goerr.New("vector index accepts precomputed embeddings only")
}

func NewVectors(dim int) (*Vectors, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, precomputedOnly)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create vector collection")
	}
	return newVectors(dim, db, col), nil
}

func newVectors(dim int, db *chromem.DB, col *chromem.Collection) *Vectors {
	return &Vectors{
		dim:   dim,
		db:    db,
		col:   col,
		pos:   make(map[string]int),
		kinds: make(map[model.Kind]int),
	}
}

func (v *Vectors) track(ref model.Ref) {
	v.pos[ref.String()] = len(v.refs)
	v.refs = append(v.refs, ref)
	v.kinds[ref.Kind]++
}

// Add stores a vector under its ref. The ref is tracked only after chromem accepted the document,
// so the id-mapping never names a missing vector.
func (v *Vectors) Add(ctx context.Context, ref model.Ref, vec []float32) error {
	if len(vec) != v.dim {
		return goerr.Wrap(model.ErrDimensionMatch, "vector has wrong dimension",
			goerr.V("ref", ref.String()),
			goerr.V("expected", v.dim),
			goerr.V("actual", len(vec)))
	}
	if _, ok := v.pos[ref.String()]; ok {
		return goerr.Wrap(model.ErrInvalidArgument, "ref already indexed", goerr.V("ref", ref.String()))
	}
	if !slices.ContainsFunc(vec, func(x float32) bool { return x != 0 }) {
		return goerr.Wrap(model.ErrInvalidArgument, "zero vector cannot be indexed", goerr.V("ref", ref.String()))
	}

	doc := chromem.Document{
		ID:        ref.String(),
		Metadata:  map[string]string{kindKey: string(ref.Kind)},
		Embedding: slices.Clone(vec),
	}
	if err := v.col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add vector", goerr.V("ref", ref.String()))
	}
	v.track(ref)
	return nil
}

func (v *Vectors) Len() int {
	return len(v.refs)
}

func (v *Vectors) Dim() int {
	return v.dim
}

// Refs returns the id-mapping in position order. Callers must not modify it.
func (v *Vectors) Refs() []model.Ref {
	return v.refs
}

// Search returns up to k nearest refs of the given kinds (all kinds when none are given), ascending by
// distance. Equal distances keep position order.
func (v *Vectors) Search(ctx context.Context, query []float32, k int, kinds ...model.Kind) ([]model.Match, error) {
	if k <= 0 || len(query) != v.dim || v.Len() == 0 {
		return nil, nil
	}
	if !slices.ContainsFunc(query, func(x float32) bool { return x != 0 }) {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "query is a zero vector")
	}

	var matches []model.Match
	if len(kinds) == 0 {
		found, err := v.query(ctx, query, min(v.Len(), k+tieSlack), nil)
		if err != nil {
			return nil, err
		}
		matches = found
	} else {
		seen := make(map[model.Kind]bool, len(kinds))
		for _, kind := range kinds {
			n := min(v.kinds[kind], k+tieSlack)
			if seen[kind] || n == 0 {
				continue
			}
			seen[kind] = true

			found, err := v.query(ctx, query, n, map[string]string{kindKey: string(kind)})
			if err != nil {
				return nil, err
			}
			matches = append(matches, found...)
		}
	}

	slices.SortFunc(matches, func(a, b model.Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return v.pos[a.Ref.String()] - v.pos[b.Ref.String()]
		}
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (v *Vectors) query(ctx context.Context, query []float32, n int, where map[string]string) ([]model.Match, error) {
	results, err := v.col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query vector collection", goerr.V("n", n), goerr.V("where", where))
	}

	matches := make([]model.Match, 0, len(results))
	for _, r := range results {
		p, ok := v.pos[r.ID]
		if !ok {
			return nil, goerr.Wrap(model.ErrIndexCorrupt, "collection returned unknown document", goerr.V("id", r.ID))
		}
		// chromem scores by cosine similarity on normalized vectors
		dist := min(max(2-2*r.Similarity, 0), 4)
		matches = append(matches, model.Match{Ref: v.refs[p], Distance: dist})
	}
	return matches, nil
}
