package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/connection"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/vault"
)

const defaultConfigPath = "switchyard.yaml"

// callbackPath is where Slack redirects after an install.
const callbackPath = "/oauth/slack/callback"

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		MaxRetry:    cfg.Queue.MaxRetry,
		RetryDelay:  cfg.Queue.RetryDelay,
		DedupWindow: cfg.Queue.DedupWindow,
		Concurrency: cfg.Queue.Concurrency,
	}
}

// connectBroker opens the redis-backed queue and checks it is reachable.
func connectBroker(ctx context.Context, cfg *config.Config) (*queue.Asynq, error) {
	rdb, err := queue.NewRedis(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	broker := queue.NewAsynq(rdb, queueOptions(cfg))
	if err := broker.Ping(ctx); err != nil {
		broker.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return broker, nil
}

// redisAddr returns the host:port of a redis URL, leaving out credentials.
func redisAddr(rawURL string) string {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return "(invalid redis url)"
	}
	return opts.Addr
}

// newConnections wires the connection service. v may be nil for commands
// that never touch credentials.
func newConnections(cfg *config.Config, s *store.Store, v *vault.Vault, out io.Writer) *connection.Service {
	return connection.New(connection.Opts{
		Store:  s,
		Vault:  v,
		States: auth.NewStateStore(s.DB()),
		OAuth: slack.NewOAuth(slack.OAuthOpts{
			ClientID:     cfg.Slack.ClientID,
			ClientSecret: cfg.Slack.ClientSecret,
			RedirectURL:  cfg.Server.PublicURL + callbackPath,
			Scopes:       cfg.Slack.Scopes,
		}),
		PublicURL: cfg.Server.PublicURL,
		Out:       out,
	})
}

// runAll runs fns until ctx is cancelled or one of them fails, then waits
// for the rest and returns the first error.
func runAll(ctx context.Context, fns ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
