package cli

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/service/inbox"
	"github.com/m-mizutani/hypnos/pkg/service/mcp"
	"github.com/m-mizutani/hypnos/pkg/usecase/cycle"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const (
	mcpNone  = "none"
	mcpStdio = "stdio"
)

// stateBox shares the latest cycle state with the MCP server
type stateBox struct {
	mu    sync.RWMutex
	state model.CycleState
}

func (x *stateBox) get() model.CycleState {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

func (x *stateBox) set(state model.CycleState) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = state
}

func serveCommand() *cli.Command {
	var (
		cfg      config
		mcpAddr  string
		inboxDir string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "mcp",
			Usage:       "MCP transport: a listen address for streamable HTTP, stdio, or none",
			Value:       mcpNone,
			Sources:     cli.EnvVars("HYPNOS_MCP"),
			Destination: &mcpAddr,
		},
		&cli.StringFlag{
			Name:        "inbox",
			Usage:       "Directory watched for JSON memory files, disabled when empty",
			Sources:     cli.EnvVars("HYPNOS_INBOX_DIR"),
			Destination: &inboxDir,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, statsFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the consolidation cycle with optional MCP server and inbox watcher",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, appCfg, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			logger := logging.From(ctx)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			state, err := cycle.LoadState(cfg.stateFile)
			if err != nil {
				return err
			}
			box := &stateBox{state: state}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepository(ctx, repo)

			uc, err := cfg.newMemoryUseCase(ctx, repo, appCfg)
			if err != nil {
				return err
			}

			ctrl, closeSink, err := cfg.newController(ctx, repo, appCfg,
				cycle.WithStateHook(func(ctx context.Context, state model.CycleState) {
					box.set(state)
					if err := cycle.SaveState(cfg.stateFile, state); err != nil {
						logging.From(ctx).Error("failed to save cycle state", "error", err)
					}
				}),
			)
			if err != nil {
				return err
			}
			defer closeSink()

			var wg sync.WaitGroup
			errCh := make(chan error, 2)

			if mcpAddr != "" && mcpAddr != mcpNone {
				srv := mcp.NewServer(uc, Version, mcp.WithCycleState(box.get))
				wg.Add(1)
				go func() {
					defer wg.Done()
					var err error
					if mcpAddr == mcpStdio {
						err = srv.ServeStdio(ctx)
					} else {
						err = srv.ServeHTTP(ctx, mcpAddr)
					}
					if err != nil {
						errCh <- err
						stop()
					}
				}()
			}

			if inboxDir != "" {
				watcher, err := inbox.New(inboxDir, uc)
				if err != nil {
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := watcher.Run(ctx); err != nil {
						errCh <- err
						stop()
					}
				}()
			}

			final := ctrl.Run(ctx, state, appCfg.CycleInterval())
			wg.Wait()
			close(errCh)

			if err := cycle.SaveState(cfg.stateFile, final); err != nil {
				return err
			}
			logger.Info("hypnos stopped", "total_cycles", final.TotalCycles, "total_consolidations", final.TotalConsolidations)

			if err, ok := <-errCh; ok {
				return goerr.Wrap(err, "service failed")
			}
			return nil
		},
	}
}
