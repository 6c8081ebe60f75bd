package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/urfave/cli/v3"
)

func compactCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "compact",
		Usage: "Rewrite the JSONL store keeping only the latest version of each record",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, _, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepository(ctx, repo)

			file, ok := repo.(*repository.File)
			if !ok {
				return goerr.New("compact is only supported by the file store", goerr.V("store", cfg.store))
			}

			n, err := file.Compact(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to compact store")
			}

			fmt.Fprintf(c.Root().Writer, "compacted %s: %d records\n", file.Path(), n)
			return nil
		},
	}
}
