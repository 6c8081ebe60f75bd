package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func rememberCommand() *cli.Command {
	var (
		cfg        config
		content    string
		tags       []string
		importance float64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "content",
			Aliases:     []string{"m"},
			Usage:       "Memory content. Read from stdin when omitted",
			Destination: &content,
		},
		&cli.StringSliceFlag{
			Name:        "tag",
			Aliases:     []string{"t"},
			Usage:       "Tag of the memory, repeatable",
			Destination: &tags,
		},
		&cli.FloatFlag{
			Name:        "importance",
			Usage:       "Importance between 0 and 1",
			Value:       0.5,
			Destination: &importance,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "remember",
		Usage: "Store a new memory record",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, appCfg, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			if content == "" {
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return goerr.Wrap(err, "failed to read content from stdin")
				}
				content = strings.TrimSpace(string(raw))
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

			mem, err := uc.Remember(ctx, content, tags, importance)
			if err != nil {
				return goerr.Wrap(err, "failed to remember")
			}

			fmt.Fprintf(c.Root().Writer, "%s\n", mem.ID)
			return nil
		},
	}
}
