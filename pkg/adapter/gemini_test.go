package adapter_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"google.golang.org/genai"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1")
	gt.NoError(t, err)
	return client
}

func TestGenerateContent(t *testing.T) {
	client := newTestGemini(t)
	ctx := context.Background()

	contents := []*genai.Content{
		genai.NewContentFromText("What does the kanji 山 mean? Answer in one word.", genai.RoleUser),
	}

	resp, err := client.GenerateContent(ctx, contents, nil)
	gt.NoError(t, err)
	gt.True(t, resp.Text() != "")
	t.Log("response:", resp.Text())
}

func TestEmbedContents(t *testing.T) {
	client := newTestGemini(t)
	ctx := context.Background()

	texts := []string{"山 mountain san,yama", "川 river kawa"}
	vectors, err := client.EmbedContents(ctx, texts, adapter.TaskRetrievalDocument)
	gt.NoError(t, err)
	gt.A(t, vectors).Length(2)
	gt.A(t, vectors[0]).Length(768)
	gt.A(t, vectors[1]).Length(768)
}

func TestIsRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "rate limited", err: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, want: true},
		{name: "server error", err: genai.APIError{Code: 503, Status: "UNAVAILABLE"}, want: true},
		{name: "bad request", err: genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}, want: false},
		{name: "wrapped bad request", err: goerr.Wrap(genai.APIError{Code: 403}, "failed"), want: false},
		{name: "transport", err: errors.New("connection reset"), want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, adapter.IsRetryable(tc.err), tc.want)
		})
	}
}
