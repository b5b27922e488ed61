package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/janitor"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/server"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/syncer"
	"github.com/zulandar/switchyard/internal/vault"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		inline     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener",
		Long: `Serves the Slack and Zendesk webhooks, the Slack OAuth install flow and
the connection endpoints, and runs the OAuth state janitor.

Events are enqueued on Redis for "sy worker" to process. With --inline the
queue lives in memory and this process also runs the workers; queued events
are lost on exit, so use it for development only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, inline)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().BoolVar(&inline, "inline", false, "process events in this process with an in-memory queue")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, inline bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Slack.SigningSecret == "" {
		return fmt.Errorf("%s is required", config.EnvSlackSigningSecret)
	}
	v, err := vault.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := store.New(gormDB)
	conns := newConnections(cfg, s, v, out)

	var (
		publisher queue.Publisher
		runners   []func(context.Context) error
	)
	var mem *queue.Memory
	if inline {
		mem = queue.NewMemory(queue.MemoryOpts{Options: queueOptions(cfg), Out: out})
		publisher = mem
		runners = append(runners, mem.Run)
		fmt.Fprintln(out, "Queue: in-memory (inline workers)")
	} else {
		broker, err := connectBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()
		publisher = broker
		fmt.Fprintf(out, "Queue: redis %s\n", redisAddr(cfg.Redis.URL))
	}

	engine, err := syncer.New(syncer.Opts{
		Store:            s,
		Connections:      conns,
		Publisher:        publisher,
		Namespace:        cfg.Sync.Namespace,
		SameSenderWindow: cfg.Sync.SameSenderWindow,
		Out:              out,
	})
	if err != nil {
		return err
	}
	if mem != nil {
		engine.Register(mem)
	}

	srv, err := server.New(server.Opts{
		Store:       s,
		Connections: conns,
		Engine:      engine,
		Publisher:   publisher,
		Verifier: &auth.SlackVerifier{
			Secret:  cfg.Slack.SigningSecret,
			MaxSkew: cfg.Slack.SignatureMaxSkew,
		},
		AdminToken: cfg.AdminToken,
		Out:        out,
	})
	if err != nil {
		return err
	}
	jan, err := janitor.New(janitor.Opts{
		States:   auth.NewStateStore(gormDB),
		Schedule: cfg.Janitor.Schedule,
		Out:      out,
	})
	if err != nil {
		return err
	}

	runners = append(runners,
		func(ctx context.Context) error { return srv.Start(ctx, cfg.Server.Port) },
		jan.Run,
	)
	return runAll(ctx, runners...)
}
