package index_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

func TestStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	built, err := f.builder.Build(ctx)
	gt.NoError(t, err)
	gt.NoError(t, f.store.Save(ctx, built))

	loaded, err := f.store.Load(ctx)
	gt.NoError(t, err)
	gt.Equal(t, loaded.Version(), built.Version())
	gt.Equal(t, loaded.Len(), built.Len())
	gt.Equal(t, loaded.Meta().Dimension, testDim)
	gt.Equal(t, loaded.Meta().Model, testModel)
	gt.Equal(t, loaded.Meta().Metric, index.MetricL2)

	for _, q := range []string{"mountain", "river", "to eat", "climb the mountain", "unrelated"} {
		vec := f.embed(t, q)
		before, err := built.Search(ctx, vec, index.MaxK)
		gt.NoError(t, err)
		after, err := loaded.Search(ctx, vec, index.MaxK)
		gt.NoError(t, err)
		gt.Equal(t, after, before)
	}
}

func TestStoreBijection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	built, err := f.builder.Build(ctx)
	gt.NoError(t, err)
	gt.NoError(t, f.store.Save(ctx, built))
	loaded, err := f.store.Load(ctx)
	gt.NoError(t, err)

	ids := loaded.Meta().IDs
	gt.A(t, ids).Length(loaded.Meta().Count)

	seen := map[model.Ref]int{}
	for _, ref := range ids {
		seen[ref]++
	}
	for _, kind := range model.Kinds() {
		records, err := f.repo.ListRecords(ctx, kind)
		gt.NoError(t, err)
		for _, rec := range records {
			gt.Equal(t, seen[model.RefOf(rec)], 1)
		}
	}
	gt.Equal(t, len(seen), len(ids))
}

func TestStoreLoadMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Load(context.Background())
	gt.True(t, errors.Is(err, model.ErrIndexMissing))
}

func TestStoreLoadCorrupt(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, string) {
		f := newFixture(t)
		snap, err := f.builder.Build(ctx)
		gt.NoError(t, err)
		gt.NoError(t, f.store.Save(ctx, snap))
		return f, index.DefaultPrefix + snap.Version() + "/"
	}

	t.Run("tampered index blob", func(t *testing.T) {
		f, dir := setup(t)
		gt.NoError(t, f.storage.Put(ctx, dir+"index.bin.zst", []byte("garbage")))
		_, err := f.store.Load(ctx)
		gt.True(t, errors.Is(err, model.ErrIndexCorrupt))
	})

	t.Run("index blob missing behind meta", func(t *testing.T) {
		f, dir := setup(t)
		f.storage.Delete(dir + "index.bin.zst")
		_, err := f.store.Load(ctx)
		gt.True(t, errors.Is(err, model.ErrIndexCorrupt))
	})

	t.Run("unreadable meta", func(t *testing.T) {
		f, dir := setup(t)
		gt.NoError(t, f.storage.Put(ctx, dir+"meta.json", []byte("{")))
		_, err := f.store.Load(ctx)
		gt.True(t, errors.Is(err, model.ErrIndexCorrupt))
	})

	t.Run("meta names a ref the blob does not hold", func(t *testing.T) {
		f, dir := setup(t)
		data, err := f.storage.Get(ctx, dir+"meta.json")
		gt.NoError(t, err)
		var meta index.Meta
		gt.NoError(t, json.Unmarshal(data, &meta))
		meta.IDs[0] = model.Ref{Kind: meta.IDs[0].Kind, ID: "X999"}
		data, err = json.Marshal(meta)
		gt.NoError(t, err)
		gt.NoError(t, f.storage.Put(ctx, dir+"meta.json", data))

		_, err = f.store.Load(ctx)
		gt.True(t, errors.Is(err, model.ErrIndexCorrupt))
	})

	t.Run("latest points at unfinished version", func(t *testing.T) {
		f, _ := setup(t)
		gt.NoError(t, f.storage.Put(ctx, index.DefaultPrefix+"LATEST", []byte("not-written")))
		_, err := f.store.Load(ctx)
		gt.True(t, errors.Is(err, model.ErrIndexMissing))
	})
}
