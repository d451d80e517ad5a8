package cli

import (
	"context"
	"os"

	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "kotoba",
		Usage: "Japanese study assistant answering from the nihongo.cloud dictionary",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("KOTOBA_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: console or json",
				Value:   "console",
				Sources: cli.EnvVars("KOTOBA_LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			chatCommand(),
			askCommand(),
			syncCommand(),
			rebuildCommand(),
			searchCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// action installs the logger configured by the root flags before running fn
func action(fn cli.ActionFunc) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		logger := logging.New(c.String("log-level"), c.String("log-format"), os.Stderr)
		logging.SetDefault(logger)
		return fn(logging.With(ctx, logger), c)
	}
}
