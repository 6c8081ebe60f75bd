package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func recallCommand() *cli.Command {
	var (
		cfg    config
		limit  int64
		asJSON bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of memories to return",
			Value:       5,
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print hits as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "recall",
		Usage:     "Find live memories related to a query",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if query == "" {
				return goerr.New("query is required")
			}

			ctx, appCfg, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepository(ctx, repo)

			uc, err := cfg.newMemoryUseCase(ctx, repo, appCfg)
			if err != nil {
				return err
			}

			hits, err := uc.Recall(ctx, query, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to recall")
			}

			if asJSON {
				return printJSON(c.Root().Writer, hits)
			}
			for _, h := range hits {
				fmt.Fprintf(c.Root().Writer, "%.3f\t%s\t%s\n", h.Score, h.Memory.ID, preview(h.Memory.Content))
			}
			return nil
		},
	}
}
