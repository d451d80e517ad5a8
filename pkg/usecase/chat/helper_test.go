package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/utils/retry"
	"google.golang.org/genai"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type mockGemini struct {
	generateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	calls        atomic.Int32
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls.Add(1)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, contents, config)
	}
	return nil, errors.New("not implemented")
}

type stubTools struct {
	execute func(ctx context.Context, call model.ToolCall) *model.ToolResult

	mu    sync.Mutex
	calls []model.ToolCall
}

func (s *stubTools) Spec() *genai.Tool {
	return &genai.Tool{FunctionDeclarations: []*genai.FunctionDeclaration{
		{Name: "search_kanji", Description: "search kanji"},
	}}
}

func (s *stubTools) Execute(ctx context.Context, call model.ToolCall) *model.ToolResult {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, call)
	}
	return &model.ToolResult{Name: call.Name, Success: true, Data: map[string]any{"found": false}}
}

func (s *stubTools) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
	}
}

func callResponse(calls ...*genai.FunctionCall) *genai.GenerateContentResponse {
	parts := make([]*genai.Part, 0, len(calls))
	for _, fc := range calls {
		parts = append(parts, &genai.Part{FunctionCall: fc})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: parts}}},
	}
}

func searchCall(query string) *genai.FunctionCall {
	return &genai.FunctionCall{ID: "call-" + query, Name: "search_kanji", Args: map[string]any{"query": query}}
}

func toolsDisabled(config *genai.GenerateContentConfig) bool {
	return config != nil && config.ToolConfig != nil && config.ToolConfig.FunctionCallingConfig != nil &&
		config.ToolConfig.FunctionCallingConfig.Mode == genai.FunctionCallingConfigModeNone
}

// functionResponses returns the tool results carried by the last content
func functionResponses(contents []*genai.Content) []*genai.FunctionResponse {
	if len(contents) == 0 {
		return nil
	}
	var out []*genai.FunctionResponse
	for _, p := range contents[len(contents)-1].Parts {
		if p.FunctionResponse != nil {
			out = append(out, p.FunctionResponse)
		}
	}
	return out
}
