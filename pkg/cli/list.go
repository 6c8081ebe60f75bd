package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

const previewLength = 60

func preview(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength-3]) + "..."
}

func listCommand() *cli.Command {
	var (
		cfg    config
		all    bool
		tag    string
		offset int64
		limit  int64
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Include superseded memories",
			Sources:     cli.EnvVars("HYPNOS_LIST_ALL"),
			Destination: &all,
		},
		&cli.StringFlag{
			Name:        "tag",
			Aliases:     []string{"t"},
			Usage:       "Only list memories with this tag",
			Destination: &tag,
		},
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Offset for pagination",
			Value:       0,
			Sources:     cli.EnvVars("HYPNOS_LIST_OFFSET"),
			Destination: &offset,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of memories to list",
			Value:       100,
			Sources:     cli.EnvVars("HYPNOS_LIST_LIMIT"),
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List memories",
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

			uc := memory.New(repo, appCfg)
			memories, err := uc.List(ctx, memory.ListOptions{
				IncludeSuperseded: all,
				Tag:               tag,
				Offset:            int(offset),
				Limit:             int(limit),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to list memories")
			}

			for _, m := range memories {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\n", m.ID, strings.Join(m.Tags, ","), preview(m.Content), status(m))
			}

			return nil
		},
	}
}

func status(m *model.Memory) string {
	if m.IsLive() {
		return "live"
	}
	return fmt.Sprintf("superseded by %s", m.SupersededBy)
}
