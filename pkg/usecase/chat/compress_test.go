package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"google.golang.org/genai"
)

func TestIsTokenLimitError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name: "gemini token limit error",
			err: genai.APIError{
				Code:    400,
				Status:  "INVALID_ARGUMENT",
				Message: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576).",
			},
			expected: true,
		},
		{
			name: "400 INVALID_ARGUMENT but unrelated",
			err: genai.APIError{
				Code:    400,
				Status:  "INVALID_ARGUMENT",
				Message: "invalid parameter format",
			},
			expected: false,
		},
		{
			name: "500 error",
			err: genai.APIError{
				Code:    500,
				Status:  "INTERNAL",
				Message: "internal server error",
			},
			expected: false,
		},
		{
			name:     "other error type",
			err:      errors.New("network timeout"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.V(t, isTokenLimitError(tt.err)).Equal(tt.expected)
		})
	}
}

func TestCompressHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("empty history", func(t *testing.T) {
		_, err := compressHistory(ctx, &mockGemini{}, nil)
		gt.Error(t, err)
		gt.S(t, err.Error()).Contains("history is empty")
	})

	t.Run("summary replaces oldest turns", func(t *testing.T) {
		history := historyContents([]Turn{
			{Question: "What does 山 mean?", Answer: "山 means mountain."},
			{Question: "How do you read 川?", Answer: "かわ, meaning river."},
			{Question: "Give me a sentence with 山", Answer: "山に登ります。"},
		})

		var summarized int
		mock := &mockGemini{
			generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
				summarized = len(contents) - 1
				return textResponse("learner asked about 山 and 川"), nil
			},
		}

		compressed, err := compressHistory(ctx, mock, history)
		gt.NoError(t, err)
		gt.True(t, summarized > 0)
		gt.A(t, compressed).Length(len(history) - summarized + 1)
		gt.S(t, compressed[0].Parts[0].Text).Contains("learner asked about 山 and 川")
		gt.V(t, compressed[len(compressed)-1]).Equal(history[len(history)-1])
	})

	t.Run("summary failure", func(t *testing.T) {
		history := historyContents([]Turn{
			{Question: "q1", Answer: "a1"},
			{Question: "q2", Answer: "a2"},
		})
		mock := &mockGemini{
			generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
				return nil, errors.New("boom")
			},
		}
		_, err := compressHistory(ctx, mock, history)
		gt.Error(t, err)
	})
}
