package chat

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/nihongo-cloud/kotoba/pkg/utils/metrics"
	"github.com/nihongo-cloud/kotoba/pkg/utils/retry"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

const (
	DefaultMaxRounds       = 4
	defaultToolConcurrency = 4

	genericFailureMessage = "Sorry, I could not answer that right now. Please try again in a moment."
	timeoutMessage        = "Sorry, that took too long to look up. Please try asking again, perhaps more specifically."
	roundLimitMessage     = "Sorry, I could not settle on an answer. Please try rephrasing your question."
)

//go:embed prompt/final.md
var finalAnswerPrompt string

// Generator is the part of the chat model the controller drives
type Generator interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ToolExecutor exposes the declared tools and runs single calls. Execute never fails; problems come back
// as unsuccessful results.
type ToolExecutor interface {
	Spec() *genai.Tool
	Execute(ctx context.Context, call model.ToolCall) *model.ToolResult
}

// State is a step of the model and tool exchange within one turn
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateResubmitting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateResubmitting:
		return "resubmitting"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Controller runs one conversation turn as a finite state machine with a round cap
type Controller struct {
	gen             Generator
	tools           ToolExecutor
	maxRounds       int
	toolConcurrency int
	retry           retry.Policy
	retryable       func(error) bool
	metrics         *metrics.Metrics
}

type ControllerOption func(*Controller)

// WithMaxRounds sets how many tool-enabled model requests a turn may make
func WithMaxRounds(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// WithModelRetry sets the retry policy for model requests
func WithModelRetry(p retry.Policy) ControllerOption {
	return func(c *Controller) { c.retry = p }
}

func WithControllerMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a controller. tools may be nil for a tool-less conversation.
func NewController(gen Generator, tools ToolExecutor, opts ...ControllerOption) *Controller {
	c := &Controller{
		gen:             gen,
		tools:           tools,
		maxRounds:       DefaultMaxRounds,
		toolConcurrency: defaultToolConcurrency,
		retry:           retry.DefaultPolicy,
		retryable:       adapter.IsRetryable,
		metrics:         metrics.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TurnInput is what the model sees for one turn
type TurnInput struct {
	System  string
	History []*genai.Content
	Message string
}

// TurnOutput is the result of a turn. Text is never empty. Cause is set when the answer is partial.
type TurnOutput struct {
	Text    string
	Trace   []model.ToolTrace
	Rounds  int
	Partial bool
	Cause   error
}

type turn struct {
	state    State
	round    int
	history  []*genai.Content
	exchange []*genai.Content
	pending  []*genai.FunctionCall
	current  []model.ToolTrace
	lastText string
	out      *TurnOutput
}

func (t *turn) contents() []*genai.Content {
	contents := make([]*genai.Content, 0, len(t.history)+len(t.exchange))
	contents = append(contents, t.history...)
	return append(contents, t.exchange...)
}

// Run drives the turn to completion. It returns a non-empty answer even when the model, the tools or the
// deadline get in the way.
func (c *Controller) Run(ctx context.Context, in TurnInput) *TurnOutput {
	t := &turn{
		state:    StateAwaitingModel,
		history:  in.History,
		exchange: []*genai.Content{genai.NewContentFromText(in.Message, genai.RoleUser)},
		out:      &TurnOutput{},
	}

	for t.state != StateDone {
		switch t.state {
		case StateAwaitingModel:
			if t.round >= c.maxRounds {
				c.finish(ctx, t, in.System)
				continue
			}
			t.round++

			resp, err := c.generate(ctx, t, c.config(in.System, genai.FunctionCallingConfigModeAuto))
			if err != nil {
				c.fail(ctx, t, err)
				continue
			}

			text := responseText(resp)
			if text != "" {
				t.lastText = text
			}
			if content := candidateContent(resp); content != nil {
				t.exchange = append(t.exchange, content)
			}

			calls := functionCalls(resp)
			if len(calls) == 0 || c.tools == nil {
				if text == "" {
					t.out.Text = c.fallbackText(t, genericFailureMessage)
					t.out.Partial = true
					t.out.Cause = goerr.Wrap(model.ErrModelUnavailable, "model returned no text")
				} else {
					t.out.Text = text
				}
				t.state = StateDone
				continue
			}
			t.pending = calls
			t.state = StateExecutingTools

		case StateExecutingTools:
			traces, err := c.executeTools(ctx, t.round, t.pending)
			if err != nil {
				c.fail(ctx, t, err)
				continue
			}
			t.current = traces
			t.out.Trace = append(t.out.Trace, traces...)
			t.state = StateResubmitting

		case StateResubmitting:
			parts := make([]*genai.Part, 0, len(t.current))
			for _, tr := range t.current {
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       tr.Call.ID,
						Name:     tr.Call.Name,
						Response: tr.Result.Response(),
					},
				})
			}
			t.exchange = append(t.exchange, &genai.Content{Role: genai.RoleUser, Parts: parts})
			t.pending, t.current = nil, nil
			t.state = StateAwaitingModel
		}
	}

	t.out.Rounds = t.round
	c.metrics.TurnRounds.Record(ctx, int64(t.round))
	return t.out
}

// finish makes one last request with function calling disabled once the round cap is reached
func (c *Controller) finish(ctx context.Context, t *turn, system string) {
	logger := logging.From(ctx)
	t.round++
	t.out.Partial = true
	t.out.Cause = goerr.Wrap(model.ErrRoundLimitExceeded, "round cap reached", goerr.V("max_rounds", c.maxRounds))
	t.state = StateDone

	if last := t.exchange[len(t.exchange)-1]; last.Role == genai.RoleUser {
		last.Parts = append(last.Parts, genai.NewPartFromText(finalAnswerPrompt))
	} else {
		t.exchange = append(t.exchange, genai.NewContentFromText(finalAnswerPrompt, genai.RoleUser))
	}
	resp, err := c.generate(ctx, t, c.config(system, genai.FunctionCallingConfigModeNone))
	if err == nil {
		if text := responseText(resp); text != "" {
			t.out.Text = text
			return
		}
	} else if ctx.Err() != nil {
		t.out.Cause = goerr.Wrap(model.ErrConversationTimeout, "turn deadline reached during final request")
		t.out.Text = c.fallbackText(t, timeoutMessage)
		return
	}

	logger.Warn("round cap reached without final answer", "rounds", t.round, "error", err)
	t.out.Text = c.fallbackText(t, roundLimitMessage)
}

// fail ends the turn after a model or tool stage could not complete
func (c *Controller) fail(ctx context.Context, t *turn, err error) {
	logger := logging.From(ctx)
	state := t.state
	t.out.Partial = true
	t.state = StateDone

	if ctx.Err() != nil {
		logger.Warn("conversation turn timed out", "state", state.String(), "round", t.round, "error", err)
		t.out.Cause = goerr.Wrap(model.ErrConversationTimeout, "turn deadline reached", goerr.V("round", t.round))
		t.out.Text = c.fallbackText(t, timeoutMessage)
		return
	}

	logger.Error("chat model failed", "round", t.round, "error", err)
	t.out.Cause = goerr.Wrap(errors.Join(model.ErrModelUnavailable, err), "model request failed", goerr.V("round", t.round))
	t.out.Text = c.fallbackText(t, genericFailureMessage)
}

// generate sends the turn to the model, retrying transient errors. A token limit error compresses the
// session history once and retries.
func (c *Controller) generate(ctx context.Context, t *turn, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	call := func(ctx context.Context) error {
		r, err := c.gen.GenerateContent(ctx, t.contents(), config)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	retryable := func(err error) bool {
		return !isTokenLimitError(err) && c.retryable(err)
	}

	err := retry.Do(ctx, c.retry, retryable, call)
	if err == nil {
		return resp, nil
	}
	if !isTokenLimitError(err) || len(t.history) == 0 {
		return nil, err
	}

	logger := logging.From(ctx)
	logger.Warn("token limit exceeded, compressing session history", "turns", len(t.history)/2)
	compressed, cErr := compressHistory(ctx, c.gen, t.history)
	if cErr != nil {
		logger.Warn("history compression failed, dropping history", "error", cErr)
		compressed = nil
	}
	t.history = compressed

	if err := retry.Do(ctx, c.retry, retryable, call); err != nil {
		return nil, err
	}
	return resp, nil
}

// executeTools runs one round of calls concurrently. The calls run on a context detached from the turn so
// they finish even when the turn is abandoned; their results are then discarded.
func (c *Controller) executeTools(ctx context.Context, round int, calls []*genai.FunctionCall) ([]model.ToolTrace, error) {
	logger := logging.From(ctx)
	detached := context.WithoutCancel(ctx)
	traces := make([]model.ToolTrace, len(calls))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var eg errgroup.Group
		eg.SetLimit(c.toolConcurrency)
		for i, fc := range calls {
			eg.Go(func() error {
				call := model.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
				started := time.Now()
				result := c.tools.Execute(detached, call)
				logger.Debug("tool executed",
					"round", round,
					"tool", call.Name,
					"success", result.Success,
					"duration", time.Since(started),
				)
				traces[i] = model.ToolTrace{Round: round, Call: call, Result: *result}
				return nil
			})
		}
		_ = eg.Wait()
	}()

	select {
	case <-done:
		return traces, nil
	case <-ctx.Done():
		logger.Info("turn ended before tools finished, discarding results", "round", round, "calls", len(calls))
		return nil, ctx.Err()
	}
}

func (c *Controller) config(system string, mode genai.FunctionCallingConfigMode) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, "")
	}
	if c.tools == nil {
		return config
	}
	if spec := c.tools.Spec(); spec != nil {
		config.Tools = []*genai.Tool{spec}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode},
		}
	}
	return config
}

// fallbackText prefers the last thing the model said, then what the tools found, then the canned message
func (c *Controller) fallbackText(t *turn, message string) string {
	if t.lastText != "" {
		return t.lastText
	}
	if found := toolFindings(t.out.Trace); found != "" {
		return message + "\n\nHere is what I found so far:\n" + found
	}
	return message
}

// toolFindings lists the record summaries returned by successful tool calls
func toolFindings(trace []model.ToolTrace) string {
	var b strings.Builder
	seen := make(map[string]bool)
	add := func(v any) {
		rec, ok := v.(map[string]any)
		if !ok {
			return
		}
		summary, _ := rec["summary"].(string)
		if summary == "" || seen[summary] {
			return
		}
		seen[summary] = true
		b.WriteString("- " + summary)
		if u, ok := rec["detail_url"].(string); ok && u != "" {
			b.WriteString(" (" + u + ")")
		}
		b.WriteString("\n")
	}

	for _, tr := range trace {
		if !tr.Result.Success {
			continue
		}
		add(tr.Result.Data["record"])
		if results, ok := tr.Result.Data["results"].([]map[string]any); ok {
			for _, r := range results {
				add(r)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func candidateContent(resp *genai.GenerateContentResponse) *genai.Content {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	return resp.Candidates[0].Content
}

func functionCalls(resp *genai.GenerateContentResponse) []*genai.FunctionCall {
	content := candidateContent(resp)
	if content == nil {
		return nil
	}
	var calls []*genai.FunctionCall
	for _, part := range content.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return calls
}

// responseText concatenates the non-thought text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) string {
	content := candidateContent(resp)
	if content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
