package index_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/embedding"
	"github.com/nihongo-cloud/kotoba/pkg/embedding/embeddingtest"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
)

const (
	testDim   = 8
	testModel = "test-model"
)

type fixture struct {
	repo     *repository.Memory
	provider *embedding.Provider
	storage  *adapter.MemoryStorage
	store    *index.Store
	builder  *index.Builder
}

// newFixture loads the sample lexicon and embeds every record with the keyword client
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.LoadFile("../repository/testdata/lexicon.yaml")
	gt.NoError(t, err)

	provider := embedding.NewProvider(embeddingtest.NewKeywordClient(testDim),
		embedding.WithModel(testModel),
		embedding.WithDimension(testDim),
		embedding.WithRateLimit(0, 0),
	)
	report, err := embedding.NewSyncer(repo, provider).Sync(context.Background(), embedding.SyncInput{})
	gt.NoError(t, err)
	gt.Equal(t, report.Failed(), 0)

	storage := adapter.NewMemoryStorage()
	return &fixture{
		repo:     repo,
		provider: provider,
		storage:  storage,
		store:    index.NewStore(storage, index.DefaultPrefix),
		builder:  index.NewBuilder(repo, testModel, testDim),
	}
}

func (f *fixture) embed(t *testing.T, text string) []float32 {
	t.Helper()
	v, err := f.provider.Embed(context.Background(), text)
	gt.NoError(t, err)
	return v
}

type countingStore struct {
	*index.Store
	loads atomic.Int32
	saves atomic.Int32
	delay time.Duration
}

func (s *countingStore) Load(ctx context.Context) (*index.Snapshot, error) {
	s.loads.Add(1)
	time.Sleep(s.delay)
	return s.Store.Load(ctx)
}

func (s *countingStore) Save(ctx context.Context, snap *index.Snapshot) error {
	s.saves.Add(1)
	return s.Store.Save(ctx, snap)
}

type countingBuilder struct {
	*index.Builder
	builds atomic.Int32
	delay  time.Duration
}

func (b *countingBuilder) BuildWithReport(ctx context.Context) (*index.Snapshot, *index.BuildReport, error) {
	b.builds.Add(1)
	time.Sleep(b.delay)
	return b.Builder.BuildWithReport(ctx)
}
