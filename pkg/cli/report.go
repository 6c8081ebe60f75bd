package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/sink"
	"github.com/m-mizutani/hypnos/pkg/usecase/cycle"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func reportCommand() *cli.Command {
	var (
		cfg      config
		recent   int64
		htmlPath string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "recent",
			Usage:       "Number of latest statistics records to include",
			Value:       10,
			Destination: &recent,
		},
		&cli.StringFlag{
			Name:        "html",
			Usage:       "Write the report as an HTML page to this path instead of printing JSON",
			Destination: &htmlPath,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, statsFlags(&cfg)...)

	return &cli.Command{
		Name:  "report",
		Usage: "Summarize past consolidation cycles",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, _, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			state, err := cycle.LoadState(cfg.stateFile)
			if err != nil {
				return err
			}

			var stats []*model.CycleStats
			if cfg.statsFile != "" {
				f, err := sink.NewFile(cfg.statsFile)
				if err != nil {
					return err
				}
				stats, err = f.ReadAll(ctx)
				if err != nil {
					return goerr.Wrap(err, "failed to read statistics")
				}
			}

			now := time.Now()
			report := cycle.BuildReport(state, stats, now, int(recent))

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepository(ctx, repo)
			snap, err := repository.Snapshot(ctx, repo, now)
			if err != nil {
				return goerr.Wrap(err, "failed to take snapshot")
			}
			report.Current = cycle.MeasureUsage(ctx, cfg.newHost(ctx), snap, now)

			if htmlPath == "" {
				return printJSON(c.Root().Writer, report)
			}

			f, err := os.Create(filepath.Clean(htmlPath))
			if err != nil {
				return goerr.Wrap(err, "failed to create HTML report", goerr.V("path", htmlPath))
			}
			if err := cycle.RenderHTML(f, report); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return goerr.Wrap(err, "failed to close HTML report", goerr.V("path", htmlPath))
			}
			logging.From(ctx).Info("wrote HTML report", "path", htmlPath)
			return nil
		},
	}
}
