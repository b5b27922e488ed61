package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/syncer"
	"github.com/zulandar/switchyard/internal/vault"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued events",
		Long:  "Consumes the chat, file, lifecycle and billing topics from Redis and relays them between Slack and Zendesk.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	v, err := vault.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := connectBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	s := store.New(gormDB)
	engine, err := syncer.New(syncer.Opts{
		Store:            s,
		Connections:      newConnections(cfg, s, v, out),
		Publisher:        broker,
		Namespace:        cfg.Sync.Namespace,
		SameSenderWindow: cfg.Sync.SameSenderWindow,
		Out:              out,
	})
	if err != nil {
		return err
	}
	engine.Register(broker)

	fmt.Fprintf(out, "Worker consuming from %s (concurrency %d, max retry %d)\n",
		redisAddr(cfg.Redis.URL), cfg.Queue.Concurrency, cfg.Queue.MaxRetry)
	return broker.Run(ctx)
}
