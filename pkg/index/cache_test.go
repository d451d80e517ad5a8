package index_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
)

func newCountingCache(f *fixture, delay time.Duration) (*index.Cache, *countingStore, *countingBuilder) {
	store := &countingStore{Store: f.store, delay: delay}
	builder := &countingBuilder{Builder: f.builder, delay: delay}
	return index.NewCache(store, builder), store, builder
}

func TestCacheSingleFlightColdStart(t *testing.T) {
	f := newFixture(t)
	cache, store, builder := newCountingCache(f, 20*time.Millisecond)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	snaps := make([]*index.Snapshot, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			snaps[i], errs[i] = cache.Snapshot(ctx)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		gt.NoError(t, errs[i])
		gt.True(t, snaps[i] == snaps[0])
	}
	gt.Equal(t, store.loads.Load(), int32(1))
	gt.Equal(t, builder.builds.Load(), int32(1))
	gt.Equal(t, store.saves.Load(), int32(1))

	// the rebuilt snapshot was published
	published, err := f.store.Load(ctx)
	gt.NoError(t, err)
	gt.Equal(t, published.Version(), snaps[0].Version())
}

func TestCacheLoadsPublishedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.builder.Build(ctx)
	gt.NoError(t, err)
	gt.NoError(t, f.store.Save(ctx, snap))

	cache, store, builder := newCountingCache(f, 0)
	got, err := cache.Snapshot(ctx)
	gt.NoError(t, err)
	gt.Equal(t, got.Version(), snap.Version())
	gt.Equal(t, builder.builds.Load(), int32(0))

	// no implicit reload afterwards
	_, err = cache.Snapshot(ctx)
	gt.NoError(t, err)
	gt.Equal(t, store.loads.Load(), int32(1))
}

func TestCacheRebuildsCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.builder.Build(ctx)
	gt.NoError(t, err)
	gt.NoError(t, f.store.Save(ctx, snap))
	gt.NoError(t, f.storage.Put(ctx, index.DefaultPrefix+snap.Version()+"/index.bin.zst", []byte("broken")))

	cache, _, builder := newCountingCache(f, 0)
	got, err := cache.Snapshot(ctx)
	gt.NoError(t, err)
	gt.Equal(t, builder.builds.Load(), int32(1))
	gt.True(t, got.Version() != snap.Version())

	matches, err := cache.SimilaritySearch(ctx, f.embed(t, "mountain"), 1, model.KindKanji)
	gt.NoError(t, err)
	gt.Equal(t, matches[0].ID, "K042")
}

func TestCacheColdStartFailsOnEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	builder := index.NewBuilder(repository.NewMemory(), testModel, testDim)
	cache := index.NewCache(f.store, builder)

	_, err := cache.Snapshot(context.Background())
	gt.True(t, errors.Is(err, model.ErrEmptyIndex))
	gt.False(t, cache.Loaded())
}

func TestCacheRemembersEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &countingStore{Store: f.store}
	builder := &countingBuilder{Builder: index.NewBuilder(repository.NewMemory(), testModel, testDim)}
	cache := index.NewCache(store, builder, index.WithEmptyRetry(time.Hour))

	for i := 0; i < 5; i++ {
		_, err := cache.Snapshot(ctx)
		gt.True(t, errors.Is(err, model.ErrEmptyIndex))
	}
	gt.Equal(t, builder.builds.Load(), int32(1))
	gt.Equal(t, store.loads.Load(), int32(1))
	gt.Equal(t, store.saves.Load(), int32(0))

	// a snapshot arriving by Replace ends the quiet period
	snap, err := f.builder.Build(ctx)
	gt.NoError(t, err)
	cache.Replace(snap)
	got, err := cache.Snapshot(ctx)
	gt.NoError(t, err)
	gt.True(t, got == snap)
}

func TestCacheEmptyRetryDisabled(t *testing.T) {
	f := newFixture(t)
	builder := &countingBuilder{Builder: index.NewBuilder(repository.NewMemory(), testModel, testDim)}
	cache := index.NewCache(f.store, builder, index.WithEmptyRetry(0))

	for i := 0; i < 3; i++ {
		_, err := cache.Snapshot(context.Background())
		gt.True(t, errors.Is(err, model.ErrEmptyIndex))
	}
	gt.Equal(t, builder.builds.Load(), int32(3))
}

func TestCacheRebuildEmptyKeepsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cache := index.NewCache(f.store, f.builder)
	before, report, err := cache.Rebuild(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Indexed, before.Len())

	for _, kind := range model.Kinds() {
		records, err := f.repo.ListRecords(ctx, kind)
		gt.NoError(t, err)
		for _, rec := range records {
			f.repo.ClearEmbedding(model.RefOf(rec))
		}
	}

	_, report, err = cache.Rebuild(ctx)
	gt.True(t, errors.Is(err, model.ErrEmptyIndex))
	gt.Equal(t, report.Indexed, 0)
	gt.True(t, report.Missing > 0)

	after, err := cache.Snapshot(ctx)
	gt.NoError(t, err)
	gt.True(t, after == before)

	published, err := f.store.Load(ctx)
	gt.NoError(t, err)
	gt.Equal(t, published.Version(), before.Version())
}

func TestCacheReplaceAndPinning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache := index.NewCache(f.store, f.builder)

	first, _, err := cache.Rebuild(ctx)
	gt.NoError(t, err)

	pinned := index.WithSnapshot(ctx, first)

	second, err := f.builder.Build(ctx)
	gt.NoError(t, err)
	cache.Replace(second)

	got, err := cache.Snapshot(pinned)
	gt.NoError(t, err)
	gt.True(t, got == first)

	got, err = cache.Snapshot(ctx)
	gt.NoError(t, err)
	gt.True(t, got == second)
}

func TestCacheWaiterCanGiveUp(t *testing.T) {
	f := newFixture(t)
	cache, _, builder := newCountingCache(f, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.Snapshot(ctx)
	gt.True(t, errors.Is(err, context.DeadlineExceeded))

	// the shared load finishes for later callers
	got, err := cache.Snapshot(context.Background())
	gt.NoError(t, err)
	gt.NotNil(t, got)
	gt.Equal(t, builder.builds.Load(), int32(1))
}

func TestCacheRebuildOutlivesCancelledCaller(t *testing.T) {
	f := newFixture(t)
	cache, store, builder := newCountingCache(f, 100*time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var (
		wg       sync.WaitGroup
		shortErr error
		snap     *index.Snapshot
		report   *index.BuildReport
		err      error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, shortErr = cache.Rebuild(short)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		snap, report, err = cache.Rebuild(context.Background())
	}()
	wg.Wait()

	gt.True(t, errors.Is(shortErr, context.DeadlineExceeded))
	gt.NoError(t, err)
	gt.NotNil(t, snap)
	gt.Equal(t, report.Indexed, snap.Len())
	gt.Equal(t, builder.builds.Load(), int32(1))
	gt.Equal(t, store.saves.Load(), int32(1))
	gt.True(t, cache.Loaded())
}

func TestCacheRunScheduler(t *testing.T) {
	f := newFixture(t)
	cache, _, builder := newCountingCache(f, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	gt.NoError(t, cache.RunScheduler(ctx, 20*time.Millisecond))
	gt.True(t, builder.builds.Load() >= 2)
	gt.True(t, cache.Loaded())

	gt.Error(t, cache.RunScheduler(context.Background(), 0))
}
