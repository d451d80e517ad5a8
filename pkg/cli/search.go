package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/tool/lexicon"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg            config
		kinds          []string
		limit          int64
		acceptDistance float64
	)

	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "kind",
			Aliases:     []string{"k"},
			Usage:       "Restrict results to a record kind (repeatable)",
			Destination: &kinds,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of records to return",
			Value:       10,
			Sources:     cli.EnvVars("KOTOBA_SEARCH_LIMIT"),
			Destination: &limit,
		},
		&cli.FloatFlag{
			Name:        "accept-distance",
			Usage:       "Distance up to which a hit is marked as accepted",
			Value:       lexicon.DefaultAcceptDistance,
			Sources:     cli.EnvVars("KOTOBA_ACCEPT_DISTANCE"),
			Destination: &acceptDistance,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Run a similarity search against the current vector index",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: action(func(ctx context.Context, c *cli.Command) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return goerr.New("query is required")
			}
			selected, err := parseKinds(kinds)
			if err != nil {
				return err
			}

			var cl closer
			defer cl.Close(ctx)

			repo, inMemory, err := cfg.newRepository(ctx, &cl)
			if err != nil {
				return err
			}
			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			provider := cfg.newProvider(gemini)
			if inMemory {
				if err := syncInMemory(ctx, repo, provider); err != nil {
					return err
				}
			}
			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}
			cache := cfg.newIndexCache(repo, storage)

			vec, err := provider.Embed(ctx, query)
			if err != nil {
				return goerr.Wrap(err, "failed to embed query")
			}
			matches, err := cache.SimilaritySearch(ctx, vec, int(limit), selected...)
			if err != nil {
				return goerr.Wrap(err, "failed to search vector index")
			}

			tw := tabwriter.NewWriter(c.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REF\tDISTANCE\tACCEPTED\tSUMMARY")
			for _, m := range matches {
				summary := ""
				if rec, err := repo.GetRecord(ctx, m.Kind, m.ID); err == nil {
					summary = rec.Summary()
				}
				fmt.Fprintf(tw, "%s\t%.4f\t%t\t%s\n", m.Ref, m.Distance, float64(m.Distance) <= acceptDistance, summary)
			}
			return tw.Flush()
		}),
	}
}
