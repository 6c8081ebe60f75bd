package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func backupCommand() *cli.Command {
	var (
		cfg  config
		key  string
		list bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "key",
			Aliases:     []string{"k"},
			Usage:       "Object key of the backup, generated from the current time when omitted",
			Destination: &key,
		},
		&cli.BoolFlag{
			Name:        "list",
			Aliases:     []string{"l"},
			Usage:       "List existing backups instead of writing one",
			Destination: &list,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)

	return &cli.Command{
		Name:  "backup",
		Usage: "Write all memory records to Cloud Storage",
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

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}
			uc := memory.New(repo, appCfg, memory.WithStorage(storage))

			if list {
				keys, err := uc.Backups(ctx)
				if err != nil {
					return goerr.Wrap(err, "failed to list backups")
				}
				for _, k := range keys {
					fmt.Fprintf(c.Root().Writer, "%s\n", k)
				}
				return nil
			}

			if key == "" {
				key = uc.BackupKey()
			}
			n, err := uc.Backup(ctx, key)
			if err != nil {
				return goerr.Wrap(err, "failed to back up memories")
			}

			fmt.Fprintf(c.Root().Writer, "gs://%s/%s: %d records\n", cfg.bucket, key, n)
			return nil
		},
	}
}

func restoreCommand() *cli.Command {
	var (
		cfg config
		key string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "key",
			Aliases:     []string{"k"},
			Usage:       "Object key of the backup to restore",
			Destination: &key,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)

	return &cli.Command{
		Name:  "restore",
		Usage: "Load memory records from a Cloud Storage backup",
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

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}

			result, err := memory.New(repo, appCfg, memory.WithStorage(storage)).Restore(ctx, key)
			if err != nil {
				return goerr.Wrap(err, "failed to restore memories")
			}

			return printJSON(c.Root().Writer, result)
		},
	}
}
