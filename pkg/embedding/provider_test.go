package embedding_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/embedding"
	"github.com/nihongo-cloud/kotoba/pkg/embedding/embeddingtest"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/utils/retry"
	"google.golang.org/genai"
)

const testDim = 8

type mockClient struct {
	calls atomic.Int32
	embed func(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

func (m *mockClient) EmbedContents(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	m.calls.Add(1)
	return m.embed(ctx, texts, taskType)
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestProvider(client embedding.Client, opts ...embedding.Option) *embedding.Provider {
	base := []embedding.Option{
		embedding.WithModel("test-model"),
		embedding.WithDimension(testDim),
		embedding.WithRetryPolicy(fastRetry),
		embedding.WithRateLimit(0, 0),
	}
	return embedding.NewProvider(client, append(base, opts...)...)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbedNormalizes(t *testing.T) {
	p := newTestProvider(embeddingtest.NewKeywordClient(testDim))

	v, err := p.Embed(context.Background(), "  mountain  ")
	gt.NoError(t, err)
	gt.A(t, v).Length(testDim)
	gt.True(t, math.Abs(norm(v)-1) < 1e-6)
	gt.Equal(t, v[0], float32(1))
}

func TestEmbedEmptyText(t *testing.T) {
	client := embeddingtest.NewKeywordClient(testDim)
	p := newTestProvider(client)

	_, err := p.Embed(context.Background(), " \n ")
	gt.True(t, errors.Is(err, model.ErrProviderRejected))
	gt.Equal(t, client.Calls(), 0)
}

func TestEmbedBatchChunksAndPreservesOrder(t *testing.T) {
	client := embeddingtest.NewKeywordClient(testDim)
	p := newTestProvider(client, embedding.WithBatchSize(2))

	texts := []string{"mountain", "river", "eat", "climb", "山"}
	inputs := make([]embedding.Input, len(texts))
	for i, text := range texts {
		inputs[i] = embedding.Input{Ref: model.Ref{Kind: model.KindWord, ID: text}, Text: text}
	}

	results := p.EmbedBatch(context.Background(), inputs)
	gt.A(t, results).Length(5)
	gt.Equal(t, client.Calls(), 3)

	wantAxis := []int{0, 1, 2, 3, 0}
	for i, res := range results {
		gt.NoError(t, res.Err)
		gt.Equal(t, res.Ref.ID, texts[i])
		gt.Equal(t, res.Vector[wantAxis[i]], float32(1))
	}
}

func TestEmbedBatchEmptyTextReported(t *testing.T) {
	client := embeddingtest.NewKeywordClient(testDim)
	p := newTestProvider(client)

	results := p.EmbedBatch(context.Background(), []embedding.Input{
		{Ref: model.Ref{Kind: model.KindKanji, ID: "K1"}, Text: "山"},
		{Ref: model.Ref{Kind: model.KindKanji, ID: "K2"}, Text: ""},
	})

	gt.NoError(t, results[0].Err)
	gt.Error(t, results[1].Err)

	var failure *model.EmbeddingFailure
	gt.True(t, errors.As(results[1].Err, &failure))
	gt.Equal(t, failure.Reason, embedding.ReasonEmptyText)
	gt.Equal(t, failure.Ref.ID, "K2")
	gt.Equal(t, client.Texts(), 1)
}

func TestEmbedBatchIsolatesRejectedRecord(t *testing.T) {
	client := embeddingtest.NewKeywordClient(testDim)
	client.FailOn = func(text string) error {
		if strings.Contains(text, "poison") {
			return genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "bad input"}
		}
		return nil
	}
	p := newTestProvider(client, embedding.WithBatchSize(10))

	results := p.EmbedBatch(context.Background(), []embedding.Input{
		{Ref: model.Ref{Kind: model.KindWord, ID: "a"}, Text: "mountain"},
		{Ref: model.Ref{Kind: model.KindWord, ID: "b"}, Text: "poison"},
		{Ref: model.Ref{Kind: model.KindWord, ID: "c"}, Text: "river"},
	})

	gt.NoError(t, results[0].Err)
	gt.NoError(t, results[2].Err)
	gt.True(t, errors.Is(results[1].Err, model.ErrEmbeddingFailed))
	gt.True(t, errors.Is(results[1].Err, model.ErrProviderRejected))

	var failure *model.EmbeddingFailure
	gt.True(t, errors.As(results[1].Err, &failure))
	gt.Equal(t, failure.Reason, embedding.ReasonRejected)

	// one batch call, then one call per record
	gt.Equal(t, client.Calls(), 4)
}

func TestEmbedRetriesTransient(t *testing.T) {
	kw := embeddingtest.NewKeywordClient(testDim)
	client := &mockClient{}
	client.embed = func(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
		if client.calls.Load() < 3 {
			return nil, genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}
		}
		return kw.EmbedContents(ctx, texts, taskType)
	}
	p := newTestProvider(client)

	v, err := p.Embed(context.Background(), "river")
	gt.NoError(t, err)
	gt.Equal(t, v[1], float32(1))
	gt.Equal(t, client.calls.Load(), int32(3))
}

func TestEmbedTimeoutIsRetriedThenReported(t *testing.T) {
	client := &mockClient{
		embed: func(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := newTestProvider(client, embedding.WithTimeout(5*time.Millisecond))

	_, err := p.Embed(context.Background(), "river")
	gt.True(t, errors.Is(err, model.ErrProviderTimeout))
	gt.Equal(t, client.calls.Load(), int32(3))

	results := p.EmbedBatch(context.Background(), []embedding.Input{
		{Ref: model.Ref{Kind: model.KindWord, ID: "w"}, Text: "river"},
	})
	var failure *model.EmbeddingFailure
	gt.True(t, errors.As(results[0].Err, &failure))
	gt.Equal(t, failure.Reason, embedding.ReasonTimeout)
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	client := &mockClient{
		embed: func(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0, 0}
			}
			return out, nil
		},
	}
	p := newTestProvider(client)

	_, err := p.Embed(context.Background(), "river")
	gt.True(t, errors.Is(err, model.ErrDimensionMatch))
	gt.Equal(t, client.calls.Load(), int32(1))
}

func TestEmbedTaskTypes(t *testing.T) {
	var tasks []string
	kw := embeddingtest.NewKeywordClient(testDim)
	client := &mockClient{
		embed: func(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
			tasks = append(tasks, taskType)
			return kw.EmbedContents(ctx, texts, taskType)
		},
	}
	p := newTestProvider(client)

	_, err := p.Embed(context.Background(), "river")
	gt.NoError(t, err)
	p.EmbedBatch(context.Background(), []embedding.Input{{Text: "river"}})

	gt.A(t, tasks).Length(2)
	gt.Equal(t, tasks[0], "RETRIEVAL_QUERY")
	gt.Equal(t, tasks[1], "RETRIEVAL_DOCUMENT")
}

func TestNormalizeZero(t *testing.T) {
	_, ok := embedding.Normalize([]float32{0, 0})
	gt.False(t, ok)

	v, ok := embedding.Normalize([]float32{3, 4})
	gt.True(t, ok)
	gt.True(t, math.Abs(float64(v[0])-0.6) < 1e-6)
	gt.True(t, math.Abs(float64(v[1])-0.8) < 1e-6)
}

func TestContentHash(t *testing.T) {
	h1 := embedding.ContentHash("山 mountain san,yama", "text-embedding-005")
	gt.Equal(t, h1, embedding.ContentHash("山 mountain san,yama", "text-embedding-005"))
	gt.True(t, h1 != embedding.ContentHash("山 mountain san,yama", "other-model"))
	gt.True(t, h1 != embedding.ContentHash("山 mountain", "text-embedding-005"))
	gt.Equal(t, len(h1), 64)
}
