package index

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// MaxK is the largest number of matches a single search returns
const MaxK = 20

// Meta describes a snapshot. It is stored next to the index blob and its presence marks a complete build.
type Meta struct {
	Version   string      `json:"version"`
	Count     int         `json:"count"`
	Dimension int         `json:"dimension"`
	Metric    string      `json:"metric"`
	Model     string      `json:"model"`
	BuiltAt   time.Time   `json:"built_at"`
	Checksum  string      `json:"checksum"`
	IDs       []model.Ref `json:"ids"`
}

// Snapshot is an immutable index generation. It is safe for concurrent reads.
type Snapshot struct {
	meta  Meta
	index *Vectors
}

func newSnapshot(meta Meta, index *Vectors) *Snapshot {
	if meta.Version == "" {
		meta.Version = newVersion()
	}
	meta.Count = index.Len()
	meta.Dimension = index.Dim()
	meta.Metric = MetricL2
	meta.IDs = index.Refs()
	return &Snapshot{meta: meta, index: index}
}

// Meta returns build metadata. The IDs slice is shared and must not be modified.
func (s *Snapshot) Meta() Meta {
	return s.meta
}

func (s *Snapshot) Version() string {
	return s.meta.Version
}

func (s *Snapshot) Len() int {
	return s.index.Len()
}

// Search returns the k nearest records, optionally narrowed to kinds. k is clamped to [1, MaxK].
func (s *Snapshot) Search(ctx context.Context, query []float32, k int, kinds ...model.Kind) ([]model.Match, error) {
	if len(query) != s.index.Dim() {
		return nil, goerr.Wrap(model.ErrDimensionMatch, "query has wrong dimension",
			goerr.V("expected", s.index.Dim()),
			goerr.V("actual", len(query)))
	}

	k = min(max(k, 1), MaxK)
	matches, err := s.index.Search(ctx, query, k, kinds...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search snapshot", goerr.V("version", s.meta.Version))
	}
	return matches, nil
}

type ctxSnapshotKey struct{}

// WithSnapshot pins a snapshot to ctx. Every search through a Cache with this ctx uses it,
// so one request never mixes results from two generations.
func WithSnapshot(ctx context.Context, s *Snapshot) context.Context {
	return context.WithValue(ctx, ctxSnapshotKey{}, s)
}

func pinnedSnapshot(ctx context.Context) *Snapshot {
	s, _ := ctx.Value(ctxSnapshotKey{}).(*Snapshot)
	return s
}
