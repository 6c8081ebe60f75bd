package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/scorer"
	"github.com/m-mizutani/hypnos/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func statusCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "status",
		Usage: "Show store counts and the fragmentation score",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, appCfg, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepository(ctx, repo)

			strategy, err := scorer.New(appCfg)
			if err != nil {
				return err
			}

			st, err := memory.New(repo, appCfg, memory.WithScorer(strategy)).Status(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to get status")
			}

			return printJSON(c.Root().Writer, st)
		},
	}
}
