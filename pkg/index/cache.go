package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/nihongo-cloud/kotoba/pkg/utils/metrics"
	"golang.org/x/sync/singleflight"
)

// SnapshotLoader reads the published snapshot. *Store implements it.
type SnapshotLoader interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// SnapshotBuilder builds a fresh snapshot and reports what it skipped. *Builder implements it.
type SnapshotBuilder interface {
	BuildWithReport(ctx context.Context) (*Snapshot, *BuildReport, error)
}

// DefaultEmptyRetry is how long a cold start that found no embeddings is answered from memory
// before the corpus is scanned again
const DefaultEmptyRetry = 30 * time.Second

// Cache serves similarity search from a process-local snapshot. The first caller loads the published snapshot,
// rebuilding it synchronously if it is missing or corrupt; concurrent callers share that single load.
// After that the snapshot only changes through Replace or Rebuild, as a whole.
type Cache struct {
	store   SnapshotLoader
	builder SnapshotBuilder
	metrics *metrics.Metrics

	current atomic.Pointer[Snapshot]
	group   singleflight.Group

	emptyRetry time.Duration
	now        func() time.Time
	emptyMu    sync.Mutex
	emptyErr   error
	emptyUntil time.Time
}

type CacheOption func(*Cache)

func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithEmptyRetry sets how long an empty-corpus failure is remembered. Zero retries on every call.
func WithEmptyRetry(d time.Duration) CacheOption {
	return func(c *Cache) { c.emptyRetry = d }
}

func NewCache(store SnapshotLoader, builder SnapshotBuilder, opts ...CacheOption) *Cache {
	c := &Cache{
		store:      store,
		builder:    builder,
		metrics:    metrics.Default(),
		emptyRetry: DefaultEmptyRetry,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the snapshot pinned to ctx, or the cached one, loading it on first use.
// A caller whose ctx ends while waiting gets an error; the shared load itself keeps running for the others.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := pinnedSnapshot(ctx); s != nil {
		return s, nil
	}
	if s := c.current.Load(); s != nil {
		return s, nil
	}
	if err := c.rememberedEmpty(); err != nil {
		return nil, err
	}

	ch := c.group.DoChan("load", func() (any, error) {
		if s := c.current.Load(); s != nil {
			return s, nil
		}

		s, err := c.acquire(context.WithoutCancel(ctx))
		if err != nil {
			if errors.Is(err, model.ErrEmptyIndex) {
				c.rememberEmpty(err)
			}
			return nil, err
		}
		// a Replace that landed during the load wins
		if !c.current.CompareAndSwap(nil, s) {
			return c.current.Load(), nil
		}
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, goerr.Wrap(ctx.Err(), "gave up waiting for vector index")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (c *Cache) rememberEmpty(err error) {
	if c.emptyRetry <= 0 {
		return
	}
	c.emptyMu.Lock()
	defer c.emptyMu.Unlock()
	c.emptyErr = err
	c.emptyUntil = c.now().Add(c.emptyRetry)
}

func (c *Cache) rememberedEmpty() error {
	c.emptyMu.Lock()
	defer c.emptyMu.Unlock()
	if c.emptyErr == nil || !c.now().Before(c.emptyUntil) {
		return nil
	}
	return c.emptyErr
}

func (c *Cache) forgetEmpty() {
	c.emptyMu.Lock()
	defer c.emptyMu.Unlock()
	c.emptyErr = nil
}

// Loaded reports whether a snapshot is cached
func (c *Cache) Loaded() bool {
	return c.current.Load() != nil
}

func (c *Cache) acquire(ctx context.Context) (*Snapshot, error) {
	logger := logging.From(ctx)

	snap, err := c.store.Load(ctx)
	switch {
	case err == nil:
		metrics.Count(ctx, c.metrics.IndexLoads, "storage")
		logger.Info("vector index loaded", "version", snap.Version(), "count", snap.Len())
		return snap, nil

	case errors.Is(err, model.ErrIndexCorrupt):
		logger.Error("vector index snapshot is corrupt, rebuilding", "alert", true, "error", err)

	case errors.Is(err, model.ErrIndexMissing):
		logger.Warn("vector index snapshot missing, rebuilding synchronously", "error", err)

	default:
		metrics.Count(ctx, c.metrics.IndexLoads, "error")
		return nil, goerr.Wrap(err, "failed to load vector index")
	}

	snap, _, err = c.builder.BuildWithReport(ctx)
	if err != nil {
		metrics.Count(ctx, c.metrics.IndexLoads, "error")
		return nil, goerr.Wrap(err, "failed to rebuild vector index")
	}

	// The rebuilt snapshot is served even if persisting it fails; the next cold start rebuilds again.
	if err := c.store.Save(ctx, snap); err != nil {
		logger.Error("failed to persist rebuilt vector index", "error", err, "version", snap.Version())
	}

	metrics.Count(ctx, c.metrics.IndexLoads, "rebuild")
	return snap, nil
}

// SimilaritySearch returns the k nearest records to query, ascending by distance, optionally narrowed to kinds
func (c *Cache) SimilaritySearch(ctx context.Context, query []float32, k int, kinds ...model.Kind) ([]model.Match, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer metrics.Since(ctx, c.metrics.SearchDuration, start)

	return snap.Search(ctx, query, k, kinds...)
}

// Replace atomically swaps in a new snapshot. Readers see either the old or the new one.
func (c *Cache) Replace(s *Snapshot) {
	if s == nil {
		return
	}
	c.current.Store(s)
	c.forgetEmpty()
}

type rebuildResult struct {
	snap   *Snapshot
	report *BuildReport
}

// Rebuild builds and publishes a new snapshot, then swaps it in. The report is returned even when the build
// fails. On any failure, including model.ErrEmptyIndex, the previous snapshot keeps serving.
// Concurrent callers share one rebuild, which runs to completion even if the caller that started it gives up.
func (c *Cache) Rebuild(ctx context.Context) (*Snapshot, *BuildReport, error) {
	ch := c.group.DoChan("rebuild", func() (any, error) {
		return c.rebuild(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, nil, goerr.Wrap(ctx.Err(), "gave up waiting for vector index rebuild")
	case res := <-ch:
		out, _ := res.Val.(*rebuildResult)
		if out == nil {
			out = &rebuildResult{}
		}
		if res.Err != nil {
			return nil, out.report, res.Err
		}
		return out.snap, out.report, nil
	}
}

func (c *Cache) rebuild(ctx context.Context) (*rebuildResult, error) {
	logger := logging.From(ctx)

	snap, report, err := c.builder.BuildWithReport(ctx)
	if err != nil {
		if errors.Is(err, model.ErrEmptyIndex) {
			logger.Error("rebuild produced no vectors, keeping previous snapshot",
				"alert", true,
				"loaded", c.Loaded())
		}
		return &rebuildResult{report: report}, err
	}
	if err := c.store.Save(ctx, snap); err != nil {
		return &rebuildResult{report: report}, goerr.Wrap(err, "failed to persist vector index", goerr.V("version", snap.Version()))
	}
	c.Replace(snap)

	logger.Info("vector index replaced", "version", snap.Version(), "count", snap.Len())
	return &rebuildResult{snap: snap, report: report}, nil
}

// RunScheduler rebuilds immediately and then every interval until ctx ends. Failed rebuilds are logged
// and retried on the next tick.
func (c *Cache) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return goerr.Wrap(model.ErrInvalidArgument, "rebuild interval must be positive", goerr.V("interval", interval))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, _, err := c.Rebuild(ctx); err != nil && ctx.Err() == nil {
			logging.From(ctx).Warn("scheduled rebuild failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
