package index_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
)

func TestBuildSkipsRecordsWithoutCurrentEmbedding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repo.ClearEmbedding(model.Ref{Kind: model.KindKanji, ID: "K042"})

	rec, err := f.repo.GetRecord(ctx, model.KindWord, "W003")
	gt.NoError(t, err)
	edited := *rec.(*model.Word)
	edited.English = "to eat, to consume"
	gt.NoError(t, f.repo.Put(&edited))

	snap, report, err := f.builder.BuildWithReport(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Indexed, 4)
	gt.Equal(t, report.Missing, 1)
	gt.Equal(t, report.Stale, 1)
	gt.Equal(t, snap.Len(), 4)

	for _, ref := range snap.Meta().IDs {
		gt.True(t, ref.ID != "K042")
		gt.True(t, ref.ID != "W003")
	}
}

func TestBuildIgnoresOtherModel(t *testing.T) {
	f := newFixture(t)

	_, err := index.NewBuilder(f.repo, "another-model", testDim).Build(context.Background())
	gt.True(t, errors.Is(err, model.ErrEmptyIndex))
}

func TestBuildEmpty(t *testing.T) {
	_, err := index.NewBuilder(repository.NewMemory(), testModel, testDim).Build(context.Background())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrEmptyIndex))
}

func TestSearchMountainScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.builder.Build(ctx)
	gt.NoError(t, err)

	matches, err := snap.Search(ctx, f.embed(t, "mountain"), 5, model.KindKanji)
	gt.NoError(t, err)
	gt.A(t, matches).Longer(0)
	gt.Equal(t, matches[0].Ref, model.Ref{Kind: model.KindKanji, ID: "K042"})
	gt.True(t, matches[0].Distance < 0.6)

	// without its embedding K042 disappears from the vector path
	f.repo.ClearEmbedding(model.Ref{Kind: model.KindKanji, ID: "K042"})
	snap, err = f.builder.Build(ctx)
	gt.NoError(t, err)

	matches, err = snap.Search(ctx, f.embed(t, "mountain"), 5, model.KindKanji)
	gt.NoError(t, err)
	for _, m := range matches {
		gt.True(t, m.ID != "K042")
		gt.True(t, m.Distance > 0.6)
	}
}

func TestSearchClampsK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap, err := f.builder.Build(ctx)
	gt.NoError(t, err)

	matches, err := snap.Search(ctx, f.embed(t, "mountain"), 0)
	gt.NoError(t, err)
	gt.A(t, matches).Length(1)

	matches, err = snap.Search(ctx, f.embed(t, "mountain"), 1000)
	gt.NoError(t, err)
	gt.A(t, matches).Length(6)

	_, err = snap.Search(ctx, []float32{1, 0}, 5)
	gt.True(t, errors.Is(err, model.ErrDimensionMatch))
}
