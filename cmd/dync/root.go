package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyncproto/dync/internal/clientup"
	"github.com/dyncproto/dync/internal/dyncconfig"
)

var version = "dev"

var errUsage = errors.New("dync: usage error")

var (
	flagConfigPath string
	flagMetaFile   string
	flagOverrides  []string
	flagRemoteName string
	flagPort       int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dync <server-host> <local-path>",
		Short:   "Upload a file to a dyncd server",
		Version: version,
		Args:    cobra.ExactArgs(2),

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "path to dync's TOML config file")
	cmd.Flags().StringVarP(&flagMetaFile, "metadata", "m", "", "path to a JSON file attached as upload metadata")
	cmd.Flags().StringArrayVarP(&flagOverrides, "set", "k", nil, "key:value metadata override (repeatable)")
	cmd.Flags().StringVarP(&flagRemoteName, "name", "n", "", "remote filename (required when <local-path> is -)")
	cmd.Flags().IntVar(&flagPort, "port", 0, "server port (overrides the configured default)")

	return cmd
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "dync.toml"
	}
	return dir + "/dync/config.toml"
}

func buildLogger(cfg *dyncconfig.ClientConfig) *slog.Logger {
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

// exitCodeFor maps a run outcome to dync's documented exit codes.
// It also prints the failure, since the root command silences cobra's own
// error reporting.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "dync: %v\n", err)

	switch {
	case errors.Is(err, clientup.ErrLocalIO):
		return 1
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, clientup.ErrRejected):
		return 3
	case errors.Is(err, clientup.ErrChecksumMismatch):
		return 4
	case errors.Is(err, clientup.ErrTransportTimeout),
		errors.Is(err, clientup.ErrRetentionExhausted),
		errors.Is(err, clientup.ErrProtocol):
		return 5
	case errors.Is(err, clientup.ErrCancelled):
		return 6
	default:
		return 2
	}
}
