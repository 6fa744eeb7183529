package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate/kv"
	"github.com/honesteats/usermigrate/migration"
)

func (a *app) unlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <environment>",
		Short: "Clear the migration lock left by a run that died",
		Long: `Clear the migration lock left by a run that died.

Only use this once the owner recorded in the lock is known to be gone.
Clearing the lock of a live run lets a second run write the same namespace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.unlock(cmd.Context(), args[0])
		},
	}
}

func (a *app) unlock(ctx context.Context, environment string) error {
	store, closeStore, err := a.openStore(ctx, environment)
	if err != nil {
		return err
	}
	defer closeStore()

	lock, err := migration.ReadLock(ctx, store)
	if err != nil {
		return err
	}
	if lock == nil {
		a.log.Info("No migration lock held", zap.String("environment", environment))
		return nil
	}

	if err := migration.Unlock(ctx, store); err != nil && !kv.IsNotFound(err) {
		return err
	}
	a.log.Warn("Migration lock cleared",
		zap.String("environment", environment),
		zap.String("run_id", lock.RunID),
		zap.String("owner", lock.Owner))
	return a.printJSON(lock)
}
