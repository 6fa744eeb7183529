package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/migration"
)

type status struct {
	Environment string                  `json:"environment"`
	Checkpoint  *usermigrate.Checkpoint `json:"checkpoint"`
	Lock        *usermigrate.Lock       `json:"lock"`
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <environment>",
		Short: "Print the checkpoint and lock of the migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status(cmd.Context(), args[0])
		},
	}
}

func (a *app) status(ctx context.Context, environment string) error {
	store, closeStore, err := a.openStore(ctx, environment)
	if err != nil {
		return err
	}
	defer closeStore()

	s := status{Environment: environment}
	if s.Checkpoint, err = migration.ReadCheckpoint(ctx, store); err != nil {
		return err
	}
	if s.Lock, err = migration.ReadLock(ctx, store); err != nil {
		return err
	}
	return a.printJSON(s)
}
