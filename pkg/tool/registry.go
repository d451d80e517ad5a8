package tool

import (
	"context"
	"errors"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/nihongo-cloud/kotoba/pkg/utils/metrics"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"
)

var errDuplicateTool = goerr.New("duplicate tool name")

type entry struct {
	tool     Tool
	def      *Definition
	resolved *jsonschema.Resolved
}

// Registry manages available tools for the LLM
type Registry struct {
	allTools []Tool
	enabled  []Tool
	entries  map[string]*entry
	decls    []*genai.FunctionDeclaration
	metrics  *metrics.Metrics
}

// New creates a new tool registry with the given tools. Call Init before use.
func New(tools ...Tool) *Registry {
	return &Registry{
		allTools: tools,
		entries:  make(map[string]*entry),
		metrics:  metrics.Default(),
	}
}

// WithMetrics replaces the metric instruments
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	return r
}

// Flags returns all tool flags combined
func (r *Registry) Flags() []cli.Flag {
	var flags []cli.Flag
	for _, t := range r.allTools {
		if toolFlags := t.Flags(); toolFlags != nil {
			flags = append(flags, toolFlags...)
		}
	}
	return flags
}

// Init initializes every tool and resolves each argument schema once
func (r *Registry) Init(ctx context.Context, client *Client) error {
	for _, t := range r.allTools {
		ok, err := t.Init(ctx, client)
		if err != nil {
			return goerr.Wrap(err, "failed to initialize tool")
		}
		if !ok {
			continue
		}

		for _, def := range t.Specs() {
			if _, exists := r.entries[def.Name]; exists {
				return goerr.Wrap(errDuplicateTool, "tool name already registered", goerr.V("name", def.Name))
			}

			resolved, err := def.Schema.Resolve(&jsonschema.ResolveOptions{})
			if err != nil {
				return goerr.Wrap(err, "invalid tool schema", goerr.V("name", def.Name))
			}
			params, err := ConvertSchema(def.Schema)
			if err != nil {
				return goerr.Wrap(err, "failed to convert tool schema", goerr.V("name", def.Name))
			}

			r.entries[def.Name] = &entry{tool: t, def: def, resolved: resolved}
			r.decls = append(r.decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			})
		}
		r.enabled = append(r.enabled, t)
	}

	return nil
}

// Spec returns all enabled functions as one Gemini tool, or nil when there are none
func (r *Registry) Spec() *genai.Tool {
	if len(r.decls) == 0 {
		return nil
	}
	return &genai.Tool{FunctionDeclarations: r.decls}
}

// Names returns the enabled function names in registration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.decls))
	for i, d := range r.decls {
		names[i] = d.Name
	}
	return names
}

// Prompts returns all tool prompts concatenated
func (r *Registry) Prompts(ctx context.Context) string {
	var prompts []string
	for _, t := range r.enabled {
		if prompt := t.Prompt(ctx); prompt != "" {
			prompts = append(prompts, prompt)
		}
	}
	return strings.Join(prompts, "\n\n")
}

// Execute runs one model-requested call. Every outcome, including bad arguments, an unknown name
// or a tool failure, is returned as a ToolResult for the model; nothing is raised to the caller.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) *model.ToolResult {
	logger := logging.From(ctx).With("tool", call.Name, "call_id", call.ID)

	result := r.execute(ctx, call)
	if result.Success {
		logger.Debug("tool executed")
	} else {
		logger.Warn("tool call failed", "reason", result.Reason, "message", result.Message)
	}

	status := "ok"
	if !result.Success {
		status = result.Reason
	}
	metrics.Count(ctx, r.metrics.ToolCalls, status, attribute.String("tool", call.Name))

	return result
}

func (r *Registry) execute(ctx context.Context, call model.ToolCall) *model.ToolResult {
	e, ok := r.entries[call.Name]
	if !ok {
		return &model.ToolResult{
			Name:    call.Name,
			Reason:  model.ReasonUnknownTool,
			Message: "unknown tool: " + call.Name + "; available tools: " + strings.Join(r.Names(), ", "),
		}
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	if err := e.resolved.Validate(args); err != nil {
		return &model.ToolResult{
			Name:    call.Name,
			Reason:  model.ReasonInvalidArgs,
			Message: err.Error(),
		}
	}

	data, err := e.tool.Execute(ctx, call.Name, args)
	if err != nil {
		reason := model.ReasonExecutionError
		message := "tool execution failed"
		if errors.Is(err, model.ErrToolArgumentInvalid) {
			reason = model.ReasonInvalidArgs
			message = err.Error()
		}
		logging.From(ctx).Warn("tool returned error", "tool", call.Name, "error", err)
		return &model.ToolResult{
			Name:    call.Name,
			Reason:  reason,
			Message: message,
		}
	}

	return &model.ToolResult{
		Name:    call.Name,
		Success: true,
		Data:    data,
	}
}
