package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/embedding"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/urfave/cli/v3"
)

// parseKinds converts kind flag values, an empty list meaning every kind
func parseKinds(values []string) ([]model.Kind, error) {
	kinds := make([]model.Kind, 0, len(values))
	for _, v := range values {
		kind, err := model.ParseKind(v)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func syncCommand() *cli.Command {
	var (
		cfg     config
		kinds   []string
		force   bool
		limit   int64
		rebuild bool
	)

	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "kind",
			Aliases:     []string{"k"},
			Usage:       "Record kind to sync: word, kanji or sentence (repeatable, default all)",
			Destination: &kinds,
		},
		&cli.BoolFlag{
			Name:        "force",
			Usage:       "Re-embed records even when the stored embedding is current",
			Destination: &force,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum records embedded in this run (0 for unlimited)",
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "rebuild",
			Usage:       "Build and publish a new vector index after syncing",
			Destination: &rebuild,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "sync",
		Usage: "Embed records whose text changed since their stored embedding",
		Flags: flags,
		Action: action(func(ctx context.Context, c *cli.Command) error {
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
			if inMemory && !rebuild {
				return goerr.New("embeddings of a records file are not persisted; use --rebuild to publish an index from it")
			}

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			provider := cfg.newProvider(gemini)

			report, err := embedding.NewSyncer(repo, provider).Sync(ctx, embedding.SyncInput{
				Kinds: selected,
				Force: force,
				Limit: int(limit),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to sync embeddings")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "embedded: %d, skipped: %d, empty: %d, deferred: %d, failed: %d\n",
				report.Embedded, report.Skipped, report.Empty, report.Deferred, report.Failed())
			for _, f := range report.Failures {
				fmt.Fprintf(w, "  %s: %s\n", f.Ref, f.Reason)
			}

			if !rebuild {
				return nil
			}

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}
			return rebuildIndex(ctx, w, cfg.newIndexCache(repo, storage))
		}),
	}
}
