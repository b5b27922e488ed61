// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override or supply secrets. Secrets are never
// read from the YAML file.
const (
	EnvDatabaseDSN        = "DATABASE_DSN"
	EnvRedisURL           = "REDIS_URL"
	EnvSlackSigningSecret = "SLACK_SIGNING_SECRET"
	EnvSlackClientSecret  = "SLACK_CLIENT_SECRET"
	EnvAdminToken         = "SY_ADMIN_TOKEN"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Slack    SlackConfig    `yaml:"slack"`
	Queue    QueueConfig    `yaml:"queue"`
	Sync     SyncConfig     `yaml:"sync"`
	Janitor  JanitorConfig  `yaml:"janitor"`

	// AdminToken guards the billing ingestion endpoint. Env only.
	AdminToken string `yaml:"-"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // mysql, postgres, sqlite
	DSN    string `yaml:"dsn"`
}

// RedisConfig locates the queue broker.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig holds webhook listener settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"` // externally reachable base URL for callbacks
}

// SlackConfig holds Slack app settings.
type SlackConfig struct {
	ClientID         string        `yaml:"client_id"`
	Scopes           []string      `yaml:"scopes"`
	SignatureMaxSkew time.Duration `yaml:"signature_max_skew"`

	SigningSecret string `yaml:"-"`
	ClientSecret  string `yaml:"-"`
}

// QueueConfig holds retry and dedup policy for every topic.
type QueueConfig struct {
	MaxRetry    int           `yaml:"max_retry"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	Concurrency int           `yaml:"concurrency"`
}

// SyncConfig tunes the conversation mapping engine.
type SyncConfig struct {
	Namespace        string        `yaml:"namespace"`
	SameSenderWindow time.Duration `yaml:"same_sender_window"`
}

// JanitorConfig schedules housekeeping.
type JanitorConfig struct {
	Schedule string `yaml:"schedule"` // 5-field cron expression
}

// Load reads a YAML config file from path, applies environment overrides
// (including a .env file in the working directory, if any) and returns a
// validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config using the process
// environment for secrets.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv copies secrets and deployment overrides from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	c.Slack.SigningSecret = getenv(EnvSlackSigningSecret)
	c.Slack.ClientSecret = getenv(EnvSlackClientSecret)
	c.AdminToken = getenv(EnvAdminToken)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if len(c.Slack.Scopes) == 0 {
		c.Slack.Scopes = []string{
			"channels:history", "channels:read", "groups:history", "groups:read",
			"chat:write", "files:read", "files:write", "users:read",
		}
	}
	if c.Slack.SignatureMaxSkew == 0 {
		c.Slack.SignatureMaxSkew = 5 * time.Minute
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = 5
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = 30 * time.Second
	}
	if c.Queue.DedupWindow == 0 {
		c.Queue.DedupWindow = 5 * time.Minute
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 10
	}
	if c.Sync.Namespace == "" {
		c.Sync.Namespace = "switchyard"
	}
	if c.Sync.SameSenderWindow == 0 {
		c.Sync.SameSenderWindow = 30 * time.Minute
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "*/10 * * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required (or set "+EnvDatabaseDSN+")")
	}
	if c.Slack.ClientID == "" {
		errs = append(errs, "slack.client_id is required")
	}
	if c.Queue.MaxRetry < 0 {
		errs = append(errs, "queue.max_retry must not be negative")
	}
	if c.Sync.SameSenderWindow < 0 {
		errs = append(errs, "sync.same_sender_window must not be negative")
	}
	if strings.ContainsAny(c.Sync.Namespace, ":") {
		errs = append(errs, "sync.namespace must not contain ':'")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

