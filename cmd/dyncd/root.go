package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dyncproto/dync/internal/dyncconfig"
)

var version = "dev"

var flagConfigPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dyncd",
		Short:   "dync upload server daemon",
		Long:    "dyncd accepts chunked file uploads over the dync protocol and promotes finished ones into a destination directory.",
		Version: version,

		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "path to dyncd's TOML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "dyncd.toml"
	}
	return filepath.Join(dir, "dyncd", "config.toml")
}

// buildLogger constructs the process logger from the loaded config, the
// same log_level/log_format split used throughout this codebase's other
// entrypoints.
func buildLogger(cfg *dyncconfig.ServerConfig) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "dyncd: %v\n", err)
	os.Exit(1)
}
