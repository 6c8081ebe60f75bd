package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func showCommand() *cli.Command {
	var (
		cfg      config
		memoryID model.MemoryID
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "memory-id",
			Aliases:     []string{"id"},
			Usage:       "Memory ID to show",
			Sources:     cli.EnvVars("HYPNOS_MEMORY_ID"),
			Destination: (*string)(&memoryID),
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "show",
		Usage: "Show a memory record",
		Flags: flags,
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

			m, err := memory.New(repo, appCfg).Show(ctx, memoryID)
			if err != nil {
				return goerr.Wrap(err, "failed to show memory")
			}

			return printJSON(c.Root().Writer, m)
		},
	}
}
