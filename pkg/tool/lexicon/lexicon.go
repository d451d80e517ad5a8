package lexicon

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
	"github.com/nihongo-cloud/kotoba/pkg/tool"
	"github.com/urfave/cli/v3"
)

const (
	DefaultDetailBaseURL  = "https://nihongo.cloud"
	DefaultAcceptDistance = 0.6

	defaultLimit = 5
	maxLimit     = 20
)

// Tool provides the dictionary lookup functions
type Tool struct {
	// Configuration
	detailBaseURL string

	// Dependencies
	repo           repository.Repository
	embedder       tool.Embedder
	index          tool.Searcher
	acceptDistance float64
}

// New creates the lexicon tool
func New() *Tool {
	return &Tool{
		detailBaseURL:  DefaultDetailBaseURL,
		acceptDistance: DefaultAcceptDistance,
	}
}

// Flags returns CLI flags for lexicon tools
func (t *Tool) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "detail-base-url",
			Usage:       "Base URL of record detail pages linked from tool results",
			Value:       DefaultDetailBaseURL,
			Sources:     cli.EnvVars("KOTOBA_DETAIL_BASE_URL"),
			Destination: &t.detailBaseURL,
		},
	}
}

// Init wires shared resources. The lexicon tool is always enabled.
func (t *Tool) Init(ctx context.Context, client *tool.Client) (bool, error) {
	if client == nil || client.Repo == nil {
		return false, goerr.New("lexicon tool requires a record repository")
	}
	t.repo = client.Repo
	t.embedder = client.Embedder
	t.index = client.Index
	if client.AcceptDistance > 0 {
		t.acceptDistance = client.AcceptDistance
	}
	t.detailBaseURL = strings.TrimRight(t.detailBaseURL, "/")
	return true, nil
}

// DetailBaseURL returns the configured frontend base URL
func (t *Tool) DetailBaseURL() string {
	return t.detailBaseURL
}

func limitSchema() *jsonschema.Schema {
	minimum, maximum := 1.0, float64(maxLimit)
	return &jsonschema.Schema{
		Type:        "integer",
		Description: "Max results (default: 5, max: 20)",
		Minimum:     &minimum,
		Maximum:     &maximum,
	}
}

func querySchema(description string) *jsonschema.Schema {
	minLength := 1
	return &jsonschema.Schema{
		Type:        "string",
		Description: description,
		MinLength:   &minLength,
	}
}

// Specs returns the function definitions
func (t *Tool) Specs() []*tool.Definition {
	return []*tool.Definition{
		{
			Name: "search_words",
			Description: "Search Japanese vocabulary by meaning or spelling. Accepts English, Japanese (kanji or kana) " +
				"or romaji. Returns matching words with reading, translations and JLPT level.",
			Schema: tool.Closed(map[string]*jsonschema.Schema{
				"query": querySchema("Word, reading or meaning to look up"),
				"limit": limitSchema(),
			}, "query"),
		},
		{
			Name:        "search_kanji",
			Description: "Search kanji characters by the character itself, its meaning or its on/kun reading.",
			Schema: tool.Closed(map[string]*jsonschema.Schema{
				"query": querySchema("Kanji character, meaning or reading"),
				"limit": limitSchema(),
			}, "query"),
		},
		{
			Name:        "search_sentences",
			Description: "Search example sentences in Japanese or English that use a word or express an idea.",
			Schema: tool.Closed(map[string]*jsonschema.Schema{
				"query": querySchema("Word or phrase the sentence should contain or express"),
				"limit": limitSchema(),
			}, "query"),
		},
		{
			Name:        "get_record",
			Description: "Fetch the full entry of a word, kanji or sentence by its id, as returned by the search tools.",
			Schema: tool.Closed(map[string]*jsonschema.Schema{
				"kind": {
					Type:        "string",
					Description: "Record kind",
					Enum:        []any{string(model.KindWord), string(model.KindKanji), string(model.KindSentence)},
				},
				"id": querySchema("Record id"),
			}, "kind", "id"),
		},
	}
}

// Prompt returns additional information to be added to the system prompt
func (t *Tool) Prompt(ctx context.Context) string {
	return strings.Join([]string{
		"### Dictionary tools",
		"",
		"- Use `search_words`, `search_kanji` and `search_sentences` to look facts up instead of relying on memory.",
		"- Results include a `detail_url`; link it when you mention an entry.",
		"- When a search reports `found: false`, say that the dictionary has no entry rather than guessing.",
	}, "\n")
}

// Execute runs the named function
func (t *Tool) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "search_words":
		return t.executeSearch(ctx, model.KindWord, args)
	case "search_kanji":
		return t.executeSearch(ctx, model.KindKanji, args)
	case "search_sentences":
		return t.executeSearch(ctx, model.KindSentence, args)
	case "get_record":
		return t.executeGet(ctx, args)
	default:
		return nil, goerr.Wrap(model.ErrToolExecution, "unknown function", goerr.V("name", name))
	}
}

func (t *Tool) executeSearch(ctx context.Context, kind model.Kind, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, goerr.Wrap(model.ErrToolArgumentInvalid, "query must not be blank")
	}

	limit := defaultLimit
	switch v := args["limit"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}

	result, err := t.Search(ctx, kind, query, limit)
	if err != nil {
		return nil, err
	}
	return result.response(t.detailBaseURL), nil
}

func (t *Tool) executeGet(ctx context.Context, args map[string]any) (map[string]any, error) {
	kindArg, _ := args["kind"].(string)
	id, _ := args["id"].(string)

	kind, err := model.ParseKind(kindArg)
	if err != nil {
		return nil, goerr.Wrap(model.ErrToolArgumentInvalid, "unknown kind", goerr.V("kind", kindArg))
	}

	rec, err := t.repo.GetRecord(ctx, kind, strings.TrimSpace(id))
	if err != nil {
		if isNotFound(err) {
			return map[string]any{
				"found":   false,
				"message": "no " + string(kind) + " with id " + id,
			}, nil
		}
		return nil, goerr.Wrap(err, "failed to get record", goerr.V("kind", kind), goerr.V("id", id))
	}

	return map[string]any{
		"found":  true,
		"record": Render(rec, t.detailBaseURL),
	}, nil
}
