package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/backup"
	"github.com/honesteats/usermigrate/kit/cli"
	"github.com/honesteats/usermigrate/migration"
)

type migrateOptions struct {
	pageSize  int
	workers   int
	tolerance int
	dryRun    bool
	resume    bool
	backupDir string
}

func (a *app) migrateCommand() *cobra.Command {
	var o migrateOptions
	cmd := &cobra.Command{
		Use:   "migrate <environment>",
		Short: "Create role-scoped user records from the legacy records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.migrate(cmd.Context(), args[0], o)
		},
	}

	defaults := migration.DefaultConfig()
	cli.BindOptions(cmd, []cli.Opt{
		cli.NewOpt(&o.pageSize, "page-size", defaults.PageSize, "legacy records per scanned page"),
		cli.NewOpt(&o.workers, "workers", defaults.Workers, "records of a page processed concurrently"),
		cli.NewOpt(&o.tolerance, "tolerance", defaults.Tolerance, "failed, malformed and unverified records a completed run may have"),
		cli.NewOpt(&o.dryRun, "dry-run", false, "transform and report without writing"),
		cli.NewOpt(&o.resume, "resume", defaults.Resume, "continue the run recorded in the checkpoint, rescanning a failed run that reached the end"),
		cli.NewOpt(&o.backupDir, "backup-dir", "./backups", "directory of the run backups"),
	})
	return cmd
}

func (a *app) migrate(ctx context.Context, environment string, o migrateOptions) error {
	config := migration.Config{
		Environment: environment,
		PageSize:    o.pageSize,
		Workers:     o.workers,
		Tolerance:   o.tolerance,
		DryRun:      o.dryRun,
		Resume:      o.resume,
		Owner:       migration.DefaultOwner(),
	}
	if err := config.Validate(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx, environment)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := migration.NewMetrics()
	a.registry.MustRegister(metrics.PrometheusCollectors()...)

	w := backup.NewWriter(a.log, o.backupDir, backup.WithEnvironment(environment))
	runner := migration.NewRunner(a.log, store, w, config, migration.WithMetrics(metrics))

	report, err := runner.Run(ctx)
	if report == nil {
		return err
	}
	if err != nil {
		a.log.Error("Migration failed", zap.Error(err))
	}
	a.exitCode = exitCode(report)
	return a.printJSON(report)
}

func exitCode(r *usermigrate.Report) int {
	switch r.Status {
	case usermigrate.RunCompleted:
		if r.Counts.Failures() > 0 {
			return exitTolerated
		}
		return exitCompleted
	case usermigrate.RunCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}
