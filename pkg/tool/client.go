package tool

import (
	"context"

	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
)

// Embedder turns a query into a vector. *embedding.Provider implements it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs similarity search over the current index. *index.Cache implements it.
type Searcher interface {
	SimilaritySearch(ctx context.Context, query []float32, k int, kinds ...model.Kind) ([]model.Match, error)
}

// Client contains shared resources that tools can use. Tools only read through it.
type Client struct {
	Repo     repository.Repository
	Embedder Embedder
	Index    Searcher

	// AcceptDistance is the largest vector distance still treated as a match
	AcceptDistance float64
}
