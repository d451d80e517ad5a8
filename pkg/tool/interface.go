package tool

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/urfave/cli/v3"
)

// Definition declares one callable function. Schema describes the arguments object and is enforced
// before Execute is called.
type Definition struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Tool is a set of read-only functions the chat model can call
type Tool interface {
	// Flags returns CLI flags for this tool
	// Returns nil if no flags are needed
	Flags() []cli.Flag

	// Init prepares the tool after flags are parsed. It returns false when the tool should stay disabled.
	Init(ctx context.Context, client *Client) (bool, error)

	// Specs returns the functions this tool provides
	Specs() []*Definition

	// Execute runs the named function with arguments that already passed schema validation.
	// Returning an error wrapping model.ErrToolArgumentInvalid reports invalid_args to the model.
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)

	// Prompt returns additional information to be added to the system prompt
	// Returns empty string if no additional prompt is needed
	Prompt(ctx context.Context) string
}
