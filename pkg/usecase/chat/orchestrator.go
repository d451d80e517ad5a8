package chat

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
	"github.com/nihongo-cloud/kotoba/pkg/tool/lexicon"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTopK            = 5
	DefaultMaxContextChars = 4000
	DefaultTurnTimeout     = 60 * time.Second

	logNotifyTimeout = 10 * time.Second
)

//go:embed prompt/system.md
var systemPromptRaw string

var systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))

// Embedder turns the user message into a query vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SnapshotSource hands out the index snapshot a turn is pinned to
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*index.Snapshot, error)
}

// RecordReader fetches full records for accepted matches
type RecordReader interface {
	GetRecord(ctx context.Context, kind model.Kind, id string) (model.Entity, error)
}

// ExactMatcher looks text up against the record store without vectors
type ExactMatcher interface {
	ExactMatch(ctx context.Context, kind model.Kind, query string, limit int) ([]model.Entity, repository.MatchMode, error)
}

// PromptSource provides tool usage notes for the system prompt
type PromptSource interface {
	Prompts(ctx context.Context) string
}

// Config holds the retrieval and turn limits
type Config struct {
	TopK            int
	AcceptDistance  float64
	MaxContextChars int
	TurnTimeout     time.Duration
	DetailBaseURL   string
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	c.TopK = min(c.TopK, index.MaxK)
	if c.AcceptDistance <= 0 {
		c.AcceptDistance = lexicon.DefaultAcceptDistance
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = DefaultMaxContextChars
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.DetailBaseURL == "" {
		c.DetailBaseURL = lexicon.DefaultDetailBaseURL
	}
	return c
}

// NewInput wires the orchestrator. Embedder, Index and Matcher may be nil; retrieval then degrades to what
// is available.
type NewInput struct {
	Embedder   Embedder
	Index      SnapshotSource
	Repo       RecordReader
	Matcher    ExactMatcher
	Controller *Controller
	Prompts    PromptSource
	Memory     *SessionMemory
	Histories  *HistoryStore
	Logger     adapter.ConversationLogger
	Config     Config
}

// Orchestrator answers one user message: it retrieves related records, builds the prompt and runs the
// turn controller
type Orchestrator struct {
	embedder   Embedder
	index      SnapshotSource
	repo       RecordReader
	matcher    ExactMatcher
	controller *Controller
	prompts    PromptSource
	memory     *SessionMemory
	histories  *HistoryStore
	logger     adapter.ConversationLogger
	cfg        Config
	now        func() time.Time
	pending    sync.WaitGroup
}

// New creates an orchestrator
func New(input NewInput) (*Orchestrator, error) {
	if input.Controller == nil {
		return nil, goerr.New("controller is required")
	}
	if input.Repo == nil {
		return nil, goerr.New("record reader is required")
	}
	o := &Orchestrator{
		embedder:   input.Embedder,
		index:      input.Index,
		repo:       input.Repo,
		matcher:    input.Matcher,
		controller: input.Controller,
		prompts:    input.Prompts,
		memory:     input.Memory,
		histories:  input.Histories,
		logger:     input.Logger,
		cfg:        input.Config.withDefaults(),
		now:        time.Now,
	}
	if o.memory == nil {
		o.memory = NewSessionMemory(DefaultMemoryTurns, DefaultMemoryChars, DefaultMemoryIdle)
	}
	if o.logger == nil {
		o.logger = adapter.NewNopLogger()
	}
	return o, nil
}

// ChatInput is one user message
type ChatInput struct {
	Message   string
	SessionID string
}

// Source is a record placed in the model's context for a turn
type Source struct {
	Ref       model.Ref `json:"ref"`
	Summary   string    `json:"summary"`
	DetailURL string    `json:"detail_url"`
	Distance  *float32  `json:"distance,omitempty"`
	Method    string    `json:"method"`
}

// Answer is the reply to one message
type Answer struct {
	Text      string            `json:"text"`
	SessionID string            `json:"session_id"`
	Sources   []Source          `json:"sources,omitempty"`
	ToolTrace []model.ToolTrace `json:"tool_trace,omitempty"`
	Partial   bool              `json:"partial"`
}

// Chat answers a message. Only an empty message or a malformed session id is an error; retrieval, model and
// tool problems degrade the answer instead.
func (o *Orchestrator) Chat(ctx context.Context, in ChatInput) (*Answer, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message is empty")
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	logger := logging.From(ctx).With("session_id", sessionID)
	ctx = logging.With(ctx, logger)

	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	turnCtx, sources := o.retrieve(turnCtx, message)

	system, err := o.systemPrompt(turnCtx, sources)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build system prompt")
	}

	out := o.controller.Run(turnCtx, TurnInput{
		System:  system,
		History: historyContents(o.history(turnCtx, sessionID)),
		Message: message,
	})
	if out.Cause != nil {
		logger.Warn("turn answered partially", "error", out.Cause, "rounds", out.Rounds)
	}

	o.memory.Append(sessionID, Turn{Question: message, Answer: out.Text})
	turns := o.memory.History(sessionID)

	answer := &Answer{
		Text:      out.Text,
		SessionID: sessionID,
		Sources:   sources,
		ToolTrace: out.Trace,
		Partial:   out.Partial,
	}
	o.record(ctx, &model.ConversationLog{
		SessionID: sessionID,
		Question:  message,
		Answer:    out.Text,
		ToolTrace: out.Trace,
		Partial:   out.Partial,
		CreatedAt: o.now(),
	}, turns)
	return answer, nil
}

// Flush waits for pending conversation log and history writes
func (o *Orchestrator) Flush() {
	o.pending.Wait()
}

// history returns the session's retained turns, restoring them from the history store on first use
func (o *Orchestrator) history(ctx context.Context, sessionID string) []Turn {
	turns := o.memory.History(sessionID)
	if len(turns) > 0 || o.histories == nil {
		return turns
	}

	saved, err := o.histories.Load(ctx, sessionID)
	if err != nil {
		logging.From(ctx).Warn("failed to load session history", "error", err)
		return nil
	}
	if len(saved) == 0 {
		return nil
	}
	o.memory.Restore(sessionID, saved)
	return o.memory.History(sessionID)
}

// record hands the turn to the conversation logger and the history store without blocking or failing
// the turn
func (o *Orchestrator) record(ctx context.Context, entry *model.ConversationLog, turns []Turn) {
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logNotifyTimeout)
		defer cancel()
		logger := logging.From(ctx)

		if err := o.logger.Notify(ctx, entry); err != nil {
			logger.Warn("failed to record conversation", "error", err)
		}
		if o.histories != nil {
			if err := o.histories.Save(ctx, entry.SessionID, turns); err != nil {
				logger.Warn("failed to save session history", "error", err)
			}
		}
	}()
}

// retrieve pins one index snapshot to the turn and collects the records that clear the acceptance
// distance. With no accepted match the message is looked up by exact matching instead.
func (o *Orchestrator) retrieve(ctx context.Context, message string) (context.Context, []Source) {
	logger := logging.From(ctx)

	if o.embedder != nil && o.index != nil {
		snap, err := o.index.Snapshot(ctx)
		if err != nil {
			logger.Warn("vector index unavailable for this turn", "error", err)
		} else {
			ctx = index.WithSnapshot(ctx, snap)
			sources, err := o.vectorSources(ctx, snap, message)
			if err != nil {
				logger.Warn("vector retrieval failed", "error", err, "index_version", snap.Version())
			}
			if len(sources) > 0 {
				return ctx, sources
			}
		}
	}

	return ctx, o.exactSources(ctx, message)
}

func (o *Orchestrator) vectorSources(ctx context.Context, snap *index.Snapshot, message string) ([]Source, error) {
	vec, err := o.embedder.Embed(ctx, message)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed message")
	}
	matches, err := snap.Search(ctx, vec, o.cfg.TopK)
	if err != nil {
		return nil, goerr.Wrap(err, "similarity search failed")
	}

	var accepted []model.Match
	for _, m := range matches {
		if float64(m.Distance) <= o.cfg.AcceptDistance {
			accepted = append(accepted, m)
		}
	}
	if len(accepted) == 0 {
		return nil, nil
	}

	records := make([]model.Entity, len(accepted))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, m := range accepted {
		eg.Go(func() error {
			rec, err := o.repo.GetRecord(egCtx, m.Kind, m.ID)
			if err != nil {
				// deleted since the snapshot was built
				if errors.Is(err, model.ErrRecordNotFound) {
					return nil
				}
				return goerr.Wrap(err, "failed to fetch record", goerr.V("ref", m.Ref.String()))
			}
			records[i] = rec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var sources []Source
	for i, rec := range records {
		if rec == nil {
			continue
		}
		d := accepted[i].Distance
		sources = append(sources, o.source(rec, lexicon.MethodVector, &d))
	}
	return sources, nil
}

// exactSources looks up the candidate terms of message per kind. A record found by several terms is listed
// once, with the method of the first term that found it.
func (o *Orchestrator) exactSources(ctx context.Context, message string) []Source {
	if o.matcher == nil {
		return nil
	}
	logger := logging.From(ctx)
	terms := candidateTerms(message)

	var sources []Source
	for _, kind := range model.Kinds() {
		seen := make(map[model.Ref]bool)
		for _, term := range terms {
			if len(seen) >= o.cfg.TopK {
				break
			}
			records, mode, err := o.matcher.ExactMatch(ctx, kind, term, o.cfg.TopK)
			if err != nil {
				logger.Warn("exact match failed", "kind", kind, "term", term, "error", err)
				continue
			}
			for _, rec := range records {
				ref := model.RefOf(rec)
				if seen[ref] || len(seen) >= o.cfg.TopK {
					continue
				}
				seen[ref] = true
				sources = append(sources, o.source(rec, lexicon.MethodOf(mode), nil))
			}
		}
	}
	return sources
}

func (o *Orchestrator) source(rec model.Entity, method string, distance *float32) Source {
	ref := model.RefOf(rec)
	return Source{
		Ref:       ref,
		Summary:   rec.Summary(),
		DetailURL: lexicon.DetailURL(o.cfg.DetailBaseURL, ref),
		Distance:  distance,
		Method:    method,
	}
}

// contextBlock lists sources one per line, stopping before the character budget is exceeded
func contextBlock(sources []Source, maxChars int) string {
	var b strings.Builder
	for _, s := range sources {
		line := "- [" + s.Ref.String() + "] " + s.Summary + " (" + s.DetailURL + ")\n"
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) systemPrompt(ctx context.Context, sources []Source) (string, error) {
	var toolPrompts string
	if o.prompts != nil {
		toolPrompts = o.prompts.Prompts(ctx)
	}

	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, struct {
		Context     string
		ToolPrompts string
	}{
		Context:     contextBlock(sources, o.cfg.MaxContextChars),
		ToolPrompts: toolPrompts,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute system prompt template")
	}
	return buf.String(), nil
}
