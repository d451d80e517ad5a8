package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
)

func loadFixture(t *testing.T) *repository.Memory {
	repo, err := repository.LoadFile("testdata/lexicon.yaml")
	gt.NoError(t, err)
	return repo
}

func TestLoadFile(t *testing.T) {
	repo := loadFixture(t)
	ctx := context.Background()

	words, err := repo.ListRecords(ctx, model.KindWord)
	gt.NoError(t, err)
	gt.A(t, words).Length(3)
	gt.Equal(t, words[0].EntityID(), "W001")

	kanji, err := repo.GetRecord(ctx, model.KindKanji, "K042")
	gt.NoError(t, err)
	gt.Equal(t, kanji.EmbeddableText(), "山 mountain san,yama")
	gt.True(t, kanji.CurrentEmbedding() == nil)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := repository.LoadFile("testdata/not-found.yaml")
	gt.Error(t, err)
}

func TestMemoryGetRecordNotFound(t *testing.T) {
	repo := loadFixture(t)

	_, err := repo.GetRecord(context.Background(), model.KindKanji, "K999")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrRecordNotFound))

	_, err = repo.GetRecord(context.Background(), model.Kind("verb"), "K042")
	gt.True(t, errors.Is(err, model.ErrInvalidKind))
}

func TestMemoryQueryRecords(t *testing.T) {
	repo := loadFixture(t)
	ctx := context.Background()

	t.Run("exact on english", func(t *testing.T) {
		got, err := repo.QueryRecords(ctx, model.KindKanji, repository.Filter{
			Field: "meaning",
			Value: "mountain",
			Mode:  repository.MatchExact,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(1)
		gt.Equal(t, got[0].EntityID(), "K042")
	})

	t.Run("exact is case sensitive", func(t *testing.T) {
		got, err := repo.QueryRecords(ctx, model.KindKanji, repository.Filter{Value: "Mountain"})
		gt.NoError(t, err)
		gt.A(t, got).Length(0)
	})

	t.Run("fold ignores case", func(t *testing.T) {
		got, err := repo.QueryRecords(ctx, model.KindKanji, repository.Filter{
			Value: " Mountain ",
			Mode:  repository.MatchFold,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(1)
	})

	t.Run("contains matches substring across fields", func(t *testing.T) {
		got, err := repo.QueryRecords(ctx, model.KindSentence, repository.Filter{
			Value: "MOUNTAIN",
			Mode:  repository.MatchContains,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(1)
		gt.Equal(t, got[0].EntityID(), "S001")
	})

	t.Run("limit", func(t *testing.T) {
		got, err := repo.QueryRecords(ctx, model.KindWord, repository.Filter{
			Value: "e",
			Mode:  repository.MatchContains,
			Limit: 1,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(1)
	})

	t.Run("empty value never matches", func(t *testing.T) {
		got, err := repo.QueryRecords(ctx, model.KindWord, repository.Filter{Mode: repository.MatchContains})
		gt.NoError(t, err)
		gt.A(t, got).Length(0)
	})
}

func TestMemoryPutEmbedding(t *testing.T) {
	repo := loadFixture(t)
	ctx := context.Background()
	ref := model.Ref{Kind: model.KindKanji, ID: "K042"}

	before, err := repo.GetRecord(ctx, ref.Kind, ref.ID)
	gt.NoError(t, err)

	emb := &model.Embedding{
		Vector:      []float32{1, 0, 0},
		ContentHash: "h",
		Model:       "m",
		Dimension:   3,
		GeneratedAt: time.Now(),
	}
	gt.NoError(t, repo.PutEmbedding(ctx, ref, emb))

	after, err := repo.GetRecord(ctx, ref.Kind, ref.ID)
	gt.NoError(t, err)
	gt.True(t, after.CurrentEmbedding().IsCurrent("h", "m", 3))
	// previously returned values are not mutated
	gt.True(t, before.CurrentEmbedding() == nil)

	repo.ClearEmbedding(ref)
	cleared, err := repo.GetRecord(ctx, ref.Kind, ref.ID)
	gt.NoError(t, err)
	gt.True(t, cleared.CurrentEmbedding() == nil)

	err = repo.PutEmbedding(ctx, model.Ref{Kind: model.KindKanji, ID: "K999"}, emb)
	gt.True(t, errors.Is(err, model.ErrRecordNotFound))
}
