package chat

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

const (
	compressionRatio = 0.7 // Compress first 70% by byte size
)

//go:embed prompt/summarize.md
var summarizePromptRaw string

// isTokenLimitError checks if the error is due to token limit exceeded
func isTokenLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	// Example: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576)."
	return apiErr.Code == 400 &&
		apiErr.Status == "INVALID_ARGUMENT" &&
		strings.HasPrefix(apiErr.Message, "The input token count (") &&
		strings.Contains(apiErr.Message, ") exceeds the maximum number of tokens allowed (")
}

func contentSize(content *genai.Content) int {
	data, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return len(data)
}

// compressHistory replaces the oldest 70% (by bytes) of session history with a model-written summary
func compressHistory(ctx context.Context, gen Generator, history []*genai.Content) ([]*genai.Content, error) {
	if len(history) == 0 {
		return nil, goerr.New("history is empty")
	}

	totalBytes := 0
	sizes := make([]int, len(history))
	for i, content := range history {
		sizes[i] = contentSize(content)
		totalBytes += sizes[i]
	}

	threshold := int(float64(totalBytes) * compressionRatio)
	cumulative := 0
	split := 0
	for i, size := range sizes {
		cumulative += size
		if cumulative >= threshold {
			split = i + 1
			break
		}
	}

	if split == 0 || split >= len(history) {
		return nil, goerr.New("insufficient content to compress", goerr.V("turns", len(history)))
	}

	summary, err := summarizeContents(ctx, gen, history[:split])
	if err != nil {
		return nil, goerr.Wrap(err, "failed to summarize history")
	}

	summaryContent := genai.NewContentFromText("=== Earlier conversation (summary) ===\n\n"+summary, genai.RoleUser)
	return append([]*genai.Content{summaryContent}, history[split:]...), nil
}

func summarizeContents(ctx context.Context, gen Generator, contents []*genai.Content) (string, error) {
	withPrompt := make([]*genai.Content, 0, len(contents)+1)
	withPrompt = append(withPrompt, contents...)
	withPrompt = append(withPrompt, genai.NewContentFromText(summarizePromptRaw, genai.RoleUser))

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You summarize Japanese study conversations.", ""),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}

	resp, err := gen.GenerateContent(ctx, withPrompt, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate summary")
	}

	summary := responseText(resp)
	if summary == "" {
		return "", goerr.New("empty summary generated")
	}
	return summary, nil
}
