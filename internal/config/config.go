// Package config loads Zoya's configuration from an optional zoya.yaml plus
// ZOYA_-prefixed environment variables. Defaults live here, not in the state
// machine: the orchestrator and watchers only ever see resolved values.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/iambrandonn/zoya/internal/task"
)

// Config is the resolved application configuration.
type Config struct {
	VaultRoot  string           `mapstructure:"vault_root"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Log        LogConfig        `mapstructure:"log"`
}

// QueueConfig controls the orchestrator loop.
type QueueConfig struct {
	PollIntervalS   int      `mapstructure:"poll_interval_s"`
	MaxRetries      int      `mapstructure:"max_retries"`
	ChannelPriority []string `mapstructure:"channel_priority"`
}

// WatcherConfig controls ingestion validation.
type WatcherConfig struct {
	StabilityIntervalMs int      `mapstructure:"stability_interval_ms"`
	StabilityChecks     int      `mapstructure:"stability_checks"`
	MaxFileSizeMB       int      `mapstructure:"max_file_size_mb"`
	AllowedExtensions   []string `mapstructure:"allowed_extensions"`
}

// ClassifierConfig describes the external reasoning command.
type ClassifierConfig struct {
	Cmd           []string `mapstructure:"cmd"`
	TimeoutS      int      `mapstructure:"timeout_s"`
	MaxInputBytes int64    `mapstructure:"max_input_bytes"`
}

// ApprovalConfig points at the HITL rule table.
type ApprovalConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// DashboardConfig controls the summary artifact.
type DashboardConfig struct {
	RecentLimit int `mapstructure:"recent_limit"`
}

// WebhookConfig controls the chat/email intake server.
type WebhookConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (or the default search locations when
// path is empty) with ZOYA_ environment overrides applied on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("zoya")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.zoya")
		// Missing config file is fine; defaults + env apply.
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("ZOYA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vault_root", "./vault")

	v.SetDefault("queue.poll_interval_s", 5)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.channel_priority", []string{"chat", "email", "file_drop"})

	v.SetDefault("watcher.stability_interval_ms", 2000)
	v.SetDefault("watcher.stability_checks", 2)
	v.SetDefault("watcher.max_file_size_mb", 10)
	v.SetDefault("watcher.allowed_extensions", []string{".pdf", ".docx", ".md", ".txt"})

	v.SetDefault("classifier.cmd", []string{"claude", "--print"})
	v.SetDefault("classifier.timeout_s", 120)
	v.SetDefault("classifier.max_input_bytes", 262144)

	v.SetDefault("approval.rules_path", "")

	v.SetDefault("dashboard.recent_limit", 10)

	v.SetDefault("webhook.addr", "127.0.0.1:8710")

	v.SetDefault("log.level", "info")
}

// Validate checks the configuration and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.VaultRoot == "" {
		return fmt.Errorf("configuration error: 'vault_root' is empty\n\nHint: set it in zoya.yaml:\n  vault_root: ./vault")
	}

	if c.Queue.PollIntervalS < 1 {
		return fmt.Errorf("configuration error: invalid 'queue.poll_interval_s' value: %d\n\nHint: the orchestrator sleeps between cycles; use at least 1 second", c.Queue.PollIntervalS)
	}

	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("configuration error: invalid 'queue.max_retries' value: %d\n\nHint: a task needs at least one attempt before quarantine:\n  queue:\n    max_retries: 3", c.Queue.MaxRetries)
	}

	for _, ch := range c.Queue.ChannelPriority {
		if task.ParseKind(ch) == task.KindOther && ch != string(task.KindOther) {
			return fmt.Errorf("configuration error: unknown channel %q in 'queue.channel_priority'\n\nHint: valid channels are chat, email, file_drop, other", ch)
		}
	}

	if c.Watcher.StabilityChecks < 1 {
		return fmt.Errorf("configuration error: invalid 'watcher.stability_checks' value: %d\n\nHint: at least one unchanged-size observation is required before ingesting a file", c.Watcher.StabilityChecks)
	}

	if c.Watcher.MaxFileSizeMB < 1 {
		return fmt.Errorf("configuration error: invalid 'watcher.max_file_size_mb' value: %d", c.Watcher.MaxFileSizeMB)
	}

	if len(c.Classifier.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'classifier.cmd' is empty\n\nHint: specify the reasoning command:\n  classifier:\n    cmd: [\"claude\", \"--print\"]")
	}

	if c.Classifier.TimeoutS < 1 {
		return fmt.Errorf("configuration error: invalid 'classifier.timeout_s' value: %d\n\nHint: a hung reasoning call must eventually count as a failure", c.Classifier.TimeoutS)
	}

	if c.Dashboard.RecentLimit < 1 {
		return fmt.Errorf("configuration error: invalid 'dashboard.recent_limit' value: %d", c.Dashboard.RecentLimit)
	}

	return nil
}
