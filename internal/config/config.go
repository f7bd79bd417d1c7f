package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ServiceBaseURL string `envconfig:"SERVICE_BASE_URL" required:"true"`
	ServiceToken   string `envconfig:"SERVICE_TOKEN"`

	TransferMethod     string `envconfig:"TRANSFER_METHOD" default:"push"`
	PullThresholdBytes int64  `envconfig:"PULL_THRESHOLD_BYTES" default:"52428800"`

	DestinationDir     string `envconfig:"DESTINATION_DIR"`
	DestinationTreeURI string `envconfig:"DESTINATION_TREE_URI"`
	DocBridgeURL       string `envconfig:"DOC_BRIDGE_URL"`
	StagingDir         string `envconfig:"STAGING_DIR"`

	MaxActive           int64         `envconfig:"MAX_ACTIVE" default:"3"`
	ProgressMinInterval time.Duration `envconfig:"PROGRESS_MIN_INTERVAL" default:"500ms"`
	KeepFinishedFor     time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"168h"`
	CleanupInterval     time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath              string        `envconfig:"DB_PATH" default:"jobs.db"`
	WebhookURL          string        `envconfig:"WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"fetchq"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8987"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DestinationDir == "" && cfg.DestinationTreeURI == "" {
		return nil, fmt.Errorf("either DESTINATION_DIR or DESTINATION_TREE_URI must be set")
	}

	if cfg.DestinationTreeURI != "" && cfg.DocBridgeURL == "" {
		return nil, fmt.Errorf("DESTINATION_TREE_URI requires DOC_BRIDGE_URL")
	}

	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "fetchq")
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
