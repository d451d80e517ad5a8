package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/nihongo-cloud/kotoba/pkg/utils/metrics"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// rebuildIndex rebuilds through cache and prints what the build saw, including when it failed
func rebuildIndex(ctx context.Context, w io.Writer, cache *index.Cache) error {
	snap, report, err := cache.Rebuild(ctx)
	if report != nil {
		fmt.Fprintf(w, "indexed: %d, stale: %d, missing: %d\n", report.Indexed, report.Stale, report.Missing)
	}
	if err != nil {
		return goerr.Wrap(err, "failed to rebuild vector index")
	}
	printMeta(w, snap.Meta())
	return nil
}

func printMeta(w io.Writer, meta index.Meta) {
	fmt.Fprintf(w, "version: %s\n", meta.Version)
	fmt.Fprintf(w, "records: %d\n", meta.Count)
	fmt.Fprintf(w, "dimension: %d\n", meta.Dimension)
	fmt.Fprintf(w, "model: %s\n", meta.Model)
	fmt.Fprintf(w, "built at: %s\n", meta.BuiltAt.Format(time.RFC3339))
}

func rebuildCommand() *cli.Command {
	var (
		cfg         config
		interval    time.Duration
		metricsAddr string
	)

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Keep running and rebuild on this interval (0 rebuilds once)",
			Sources:     cli.EnvVars("KOTOBA_REBUILD_INTERVAL"),
			Destination: &interval,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "Address serving Prometheus metrics while rebuilding on an interval, e.g. :9090",
			Sources:     cli.EnvVars("KOTOBA_METRICS_ADDR"),
			Destination: &metricsAddr,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "rebuild",
		Usage: "Build a vector index snapshot from stored embeddings and publish it",
		Flags: flags,
		Action: action(func(ctx context.Context, c *cli.Command) error {
			var cl closer
			defer cl.Close(ctx)

			if metricsAddr != "" {
				shutdown, err := metrics.InitPrometheus()
				if err != nil {
					return err
				}
				cl.add(func() error { return shutdown(context.WithoutCancel(ctx)) })
			}

			repo, inMemory, err := cfg.newRepository(ctx, &cl)
			if err != nil {
				return err
			}
			if inMemory {
				gemini, err := cfg.newGemini(ctx)
				if err != nil {
					return err
				}
				if err := syncInMemory(ctx, repo, cfg.newProvider(gemini)); err != nil {
					return err
				}
			}

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}
			cache := cfg.newIndexCache(repo, storage)

			if interval <= 0 {
				return rebuildIndex(ctx, c.Root().Writer, cache)
			}

			logging.From(ctx).Info("starting scheduled rebuilds", "interval", interval, "metrics", metricsAddr)
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return cache.RunScheduler(ctx, interval)
			})
			if metricsAddr != "" {
				eg.Go(func() error {
					return metrics.Serve(ctx, metricsAddr)
				})
			}
			return eg.Wait()
		}),
	}
}
