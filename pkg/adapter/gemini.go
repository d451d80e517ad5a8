package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Embedding task types understood by the embedding models
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

const (
	DefaultGenerativeModel    = "gemini-2.5-flash"
	DefaultEmbeddingModel     = "text-embedding-005"
	DefaultEmbeddingDimension = 768
)

type Gemini interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	// EmbedContents embeds every text in one request. The result is in input order.
	EmbedContents(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

type GeminiClient struct {
	client             *genai.Client
	generativeModel    string
	embeddingModel     string
	embeddingDimension int32
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

func WithEmbeddingDimension(dim int) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingDimension = int32(dim)
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:             client,
		generativeModel:    DefaultGenerativeModel,
		embeddingModel:     DefaultEmbeddingModel,
		embeddingDimension: DefaultEmbeddingDimension,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// EmbeddingModel returns the embedding model name. Vectors from different models are not comparable.
func (g *GeminiClient) EmbeddingModel() string {
	return g.embeddingModel
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content")
	}
	return resp, nil
}

func (g *GeminiClient) EmbedContents(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	config := &genai.EmbedContentConfig{
		TaskType: taskType,
	}
	if g.embeddingDimension > 0 {
		config.OutputDimensionality = &g.embeddingDimension
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("count", len(texts)))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(resp.Embeddings)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, goerr.New("missing embedding in response", goerr.V("index", i))
		}
		vectors[i] = emb.Values
	}

	return vectors, nil
}

// IsRetryable reports whether a provider error is transient: deadline, rate limit, server error or transport failure.
// Other API errors are permanent rejections.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return true
}
