package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	appconfig "github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/scorer"
	"github.com/m-mizutani/hypnos/pkg/similarity"
	"github.com/m-mizutani/hypnos/pkg/usecase/consolidate"
	"github.com/m-mizutani/hypnos/pkg/usecase/cycle"
	"github.com/urfave/cli/v3"
)

// newController wires scorer, consolidation engine and statistics sinks into
// a cycle controller. The returned function releases the sinks.
func (cfg *config) newController(ctx context.Context, repo interfaces.Repository, appCfg *appconfig.Config, opts ...cycle.Option) (*cycle.Controller, func(), error) {
	strategy, err := scorer.New(appCfg)
	if err != nil {
		return nil, nil, err
	}

	summ, err := cfg.newSummarizer(ctx)
	if err != nil {
		return nil, nil, err
	}

	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, nil, err
	}
	measure, err := similarity.New(appCfg, embedder)
	if err != nil {
		return nil, nil, err
	}

	stats, closeSink, err := cfg.newSink(ctx)
	if err != nil {
		return nil, nil, err
	}

	engine := consolidate.New(repo, summ, appCfg, consolidate.WithMeasure(measure))
	opts = append([]cycle.Option{cycle.WithHost(cfg.newHost(ctx))}, opts...)
	return cycle.New(repo, strategy, engine, stats, appCfg, opts...), closeSink, nil
}

func dreamCommand() *cli.Command {
	var (
		cfg   config
		force bool
		quiet bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "force",
			Aliases:     []string{"f"},
			Usage:       "Consolidate regardless of the fragmentation threshold and cooldown",
			Destination: &force,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "Do not show progress",
			Destination: &quiet,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, statsFlags(&cfg)...)

	return &cli.Command{
		Name:  "dream",
		Usage: "Run a single consolidation cycle",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, appCfg, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			w := c.Root().Writer

			state, err := cycle.LoadState(cfg.stateFile)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepository(ctx, repo)

			ctrl, closeSink, err := cfg.newController(ctx, repo, appCfg)
			if err != nil {
				return err
			}
			defer closeSink()

			cond, err := ctrl.Check(ctx, state)
			if err != nil {
				return goerr.Wrap(err, "failed to check store")
			}
			fmt.Fprintf(w, "fragmentation %.3f (threshold %.3f), %d live memories in %d tag groups\n",
				cond.Score, cond.Threshold, cond.Live, cond.TagGroups)
			if cond.LoadThreshold > 0 {
				fmt.Fprintf(w, "host load %.2f (trigger %.2f)\n", cond.SystemLoad, cond.LoadThreshold)
			}

			if !force && !cond.WouldConsolidate {
				if cond.CooldownRemaining > 0 {
					fmt.Fprintf(w, "cooling down, next pass allowed in %s\n", cond.CooldownRemaining.Round(time.Second))
				} else {
					fmt.Fprintf(w, "below threshold, nothing to consolidate\n")
				}
			}

			stop := startSpinner(w, quiet, "consolidating...")
			var stats *model.CycleStats
			if force {
				state, stats = ctrl.Force(ctx, state)
			} else {
				state, stats = ctrl.Tick(ctx, state)
			}
			stop()

			if err := cycle.SaveState(cfg.stateFile, state); err != nil {
				return err
			}

			if stats == nil {
				return nil
			}
			return printJSON(w, stats)
		},
	}
}

func startSpinner(w io.Writer, quiet bool, suffix string) func() {
	if quiet {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + suffix
	s.Start()
	return s.Stop
}
