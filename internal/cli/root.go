// Package cli wires the subcommands together. Each command resolves
// configuration, opens the vault, and hands off to the packages that do the
// actual work; no queue semantics live here.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/zoya/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "zoya",
	Short: "Personal automation over a file-based task queue",
	Long: `zoya watches for incoming items (file drops, forwarded email, chat
messages), classifies them with an external AI command, and routes each one
to done or to a human approval gate. All state is plain files in a vault
directory; you approve or reject by moving files between folders.

Running 'zoya' without a subcommand is equivalent to 'zoya status'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(webhookCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to zoya.yaml config file (default: search . and ~/.zoya)")
	rootCmd.PersistentFlags().String("vault", "", "Vault directory (overrides config)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves configuration for a command invocation, applying the
// --vault override on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if vaultFlag, err := cmd.Flags().GetString("vault"); err == nil && vaultFlag != "" {
		cfg.VaultRoot = vaultFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the application logger at the configured level.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("configuration error: unknown 'log.level' value %q\n\nHint: valid levels are debug, info, warn, error", cfg.Log.Level)
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})), nil
}
