package cli

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/usecase/chat"
)

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds([]string{"word", "kanjis"})
	gt.NoError(t, err)
	gt.Equal(t, kinds, []model.Kind{model.KindWord, model.KindKanji})

	kinds, err = parseKinds(nil)
	gt.NoError(t, err)
	gt.A(t, kinds).Length(0)

	_, err = parseKinds([]string{"grammar"})
	gt.Error(t, err)
}

func TestNewRepositoryFromRecordsFile(t *testing.T) {
	ctx := context.Background()
	cfg := config{recordsFile: "../repository/testdata/lexicon.yaml"}

	var cl closer
	repo, inMemory, err := cfg.newRepository(ctx, &cl)
	gt.NoError(t, err)
	gt.True(t, inMemory)
	gt.Equal(t, len(cl), 0)

	rec, err := repo.GetRecord(ctx, model.KindKanji, "K042")
	gt.NoError(t, err)
	gt.Equal(t, rec.EntityID(), "K042")

	_, _, err = (&config{}).newRepository(ctx, &cl)
	gt.Error(t, err)
}

func TestNewStorageFallsBackToDirectory(t *testing.T) {
	ctx := context.Background()
	cfg := config{indexDir: t.TempDir()}

	storage, err := cfg.newStorage(ctx)
	gt.NoError(t, err)
	gt.NoError(t, storage.Put(ctx, "vector-index/LATEST", []byte("v1")))
	data, err := storage.Get(ctx, "vector-index/LATEST")
	gt.NoError(t, err)
	gt.Equal(t, string(data), "v1")

	_, err = (&config{}).newStorage(ctx)
	gt.Error(t, err)
}

func TestNewConversationLogger(t *testing.T) {
	ctx := context.Background()

	var cl closer
	logger, err := (&config{convLog: "none"}).newConversationLogger(ctx, &cl)
	gt.NoError(t, err)
	gt.NoError(t, logger.Notify(ctx, &model.ConversationLog{Question: "q"}))
	gt.NoError(t, logger.Close())

	_, err = (&config{convLog: "firestore"}).newConversationLogger(ctx, &cl)
	gt.Error(t, err)

	_, err = (&config{convLog: "kafka"}).newConversationLogger(ctx, &cl)
	gt.Error(t, err)
	gt.Equal(t, len(cl), 0)
}

func TestConversationLoggerClosedWithCommand(t *testing.T) {
	project := os.Getenv("TEST_FIRESTORE_PROJECT")
	if project == "" {
		t.Skip("TEST_FIRESTORE_PROJECT is not set")
	}
	ctx := context.Background()

	var cl closer
	cfg := config{convLog: "firestore", project: project, database: "(default)", convLogCollection: "test_conversation_logs"}
	_, err := cfg.newConversationLogger(ctx, &cl)
	gt.NoError(t, err)
	gt.Equal(t, len(cl), 1)
	gt.NoError(t, cl[0]())
}

func TestCloserRunsInReverse(t *testing.T) {
	var order []int
	var cl closer
	cl.add(func() error { order = append(order, 1); return nil })
	cl.add(func() error { order = append(order, 2); return nil })
	cl.Close(context.Background())
	gt.Equal(t, order, []int{2, 1})
}

func TestPrintAnswer(t *testing.T) {
	distance := float32(0.12)
	answer := &chat.Answer{
		Text:    "山 means mountain.",
		Partial: true,
		Sources: []chat.Source{
			{
				Ref:       model.Ref{Kind: model.KindKanji, ID: "K042"},
				Summary:   "山 mountain",
				DetailURL: "https://nihongo.cloud/kanjis/K042",
				Distance:  &distance,
				Method:    "vector",
			},
		},
		ToolTrace: []model.ToolTrace{
			{
				Round:  1,
				Call:   model.ToolCall{Name: "search_kanji", Args: map[string]any{"query": "山"}},
				Result: model.ToolResult{Name: "search_kanji", Success: false, Reason: model.ReasonInvalidArgs},
			},
		},
	}

	var quiet bytes.Buffer
	printAnswer(&quiet, answer, false)
	gt.S(t, quiet.String()).Contains("山 means mountain.")
	gt.S(t, quiet.String()).Contains("(partial answer)")
	gt.S(t, quiet.String()).NotContains("K042")

	var verbose bytes.Buffer
	printAnswer(&verbose, answer, true)
	gt.S(t, verbose.String()).Contains("[kanji/K042] 山 mountain https://nihongo.cloud/kanjis/K042 (vector, 0.120)")
	gt.S(t, verbose.String()).Contains("search_kanji")
	gt.S(t, verbose.String()).Contains(model.ReasonInvalidArgs)
}
