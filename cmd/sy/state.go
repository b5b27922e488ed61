package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/janitor"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "OAuth state maintenance",
	}

	cmd.AddCommand(newStateGCCmd())
	return cmd
}

func newStateGCCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Purge expired OAuth states now",
		Long:  "Runs one janitor pass outside the serve schedule, deleting OAuth install states past their expiry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateGC(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runStateGC(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	jan, err := janitor.New(janitor.Opts{
		States:   auth.NewStateStore(gormDB),
		Schedule: cfg.Janitor.Schedule,
		Out:      io.Discard,
	})
	if err != nil {
		return err
	}
	n, err := jan.RunOnce(context.Background())
	if err != nil {
		return fmt.Errorf("purge states: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired OAuth state(s)\n", n)
	return nil
}
