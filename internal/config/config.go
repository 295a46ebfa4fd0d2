package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Storage
	DBPath  string `envconfig:"DB_PATH" default:"keeper.db"`
	BlobDir string `envconfig:"BLOB_DIR" default:"blobs"`

	// Seed fixtures (optional YAML file with workspaces and memberships)
	SeedFile string `envconfig:"SEED_FILE"`

	// Webhook ingestion
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	// Insight service tokens
	InsightSigningKey string        `envconfig:"INSIGHT_SIGNING_KEY"`
	InsightTokenTTL   time.Duration `envconfig:"INSIGHT_TOKEN_TTL" default:"10m"`

	// Execution workers
	WorkerMaxAttempts int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"3"`
	WorkerBaseDelay   time.Duration `envconfig:"WORKER_BASE_DELAY" default:"500ms"`

	// Real-time notification
	NotifyListenAddr string `envconfig:"NOTIFY_LISTEN_ADDR" default:":8081"`

	// Operator alerts. Optional; the pipeline runs without Slack.
	SlackToken        string `envconfig:"KEEPER_SLACK_TOKEN"`
	SlackAlertChannel string `envconfig:"KEEPER_SLACK_ALERT_CHANNEL" default:"#keeper-alerts"`

	// Governor
	AIAutoApproveDefault bool `envconfig:"AI_AUTO_APPROVE_DEFAULT" default:"false"`
}

// SlackEnabled returns true if a Slack token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackToken != "" && c.SlackAlertChannel != ""
}

// WebhooksEnabled returns true if a shared webhook secret is configured.
// Fail-closed: no secret means the ingestion endpoint rejects everything.
func (c *Config) WebhooksEnabled() bool {
	return strings.TrimSpace(c.WebhookSecret) != ""
}

// InsightsEnabled returns true if insight token signing is configured.
func (c *Config) InsightsEnabled() bool {
	return c.InsightSigningKey != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with an environment variable prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
