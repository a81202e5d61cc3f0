package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Signal a running dyncd to reload its authorized-keys directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := sendSIGHUP(pidFilePath(flagConfigPath)); err != nil {
				return err
			}
			fmt.Println("reload signal sent")
			return nil
		},
	}
}

// discardLogger is used by subcommands that only need a logger to satisfy a
// package API but have no ongoing process to report to.
func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
