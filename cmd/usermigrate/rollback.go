package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate/backup"
	"github.com/honesteats/usermigrate/kit/cli"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/migration"
	"github.com/honesteats/usermigrate/rollback"
)

type rollbackOptions struct {
	runDir         string
	includePending bool
	workers        int
}

func (a *app) rollbackCommand() *cobra.Command {
	var o rollbackOptions
	cmd := &cobra.Command{
		Use:   "rollback <environment>",
		Short: "Restore the legacy records of a run and delete the records it created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.rollback(cmd.Context(), args[0], o)
		},
	}
	cli.BindOptions(cmd, []cli.Opt{
		cli.NewOpt(&o.runDir, "run-dir", "", "backup directory of the run to roll back"),
		cli.NewOpt(&o.includePending, "include-pending", false, "also delete keys whose creation was never confirmed"),
		cli.NewOpt(&o.workers, "workers", 8, "store operations in flight"),
	})
	return cmd
}

func (a *app) rollback(ctx context.Context, environment string, o rollbackOptions) error {
	if o.runDir == "" {
		return &errors.Error{Code: errors.EInvalid, Msg: "--run-dir is required"}
	}
	snap, err := backup.Open(o.runDir)
	if err != nil {
		return err
	}
	if env := snap.Manifest.Environment; env != "" && env != environment {
		return &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("run %s was taken from %s, not %s", snap.Manifest.RunID, env, environment),
		}
	}

	store, closeStore, err := a.openStore(ctx, environment)
	if err != nil {
		return err
	}
	defer closeStore()

	lock, err := migration.ReadLock(ctx, store)
	if err != nil {
		return err
	}
	if lock != nil {
		return &errors.Error{
			Code: errors.ELockContention,
			Msg:  fmt.Sprintf("migration run %s held by %s is in progress", lock.RunID, lock.Owner),
		}
	}

	tool := rollback.NewTool(a.log, store, rollback.Config{
		IncludePending: o.includePending,
		Workers:        o.workers,
	})
	report, err := tool.Restore(ctx, snap)
	switch {
	case ctx.Err() != nil:
		a.exitCode = exitCancelled
	case err != nil:
		a.log.Error("Rollback incomplete", zap.Error(err))
		a.exitCode = exitFailed
	}
	return a.printJSON(report)
}
