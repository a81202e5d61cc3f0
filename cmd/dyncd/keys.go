package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyncproto/dync/internal/dyncconfig"
	"github.com/dyncproto/dync/internal/ledger"
	"github.com/dyncproto/dync/internal/transport"
)

var flagKeyLabel string

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the server's authorized client public keys",
	}

	add := &cobra.Command{
		Use:   "add <public-key-hex>",
		Short: "Authorize a client's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysAdd(cmd.Context(), flagConfigPath, args[0], flagKeyLabel)
		},
	}
	add.Flags().StringVar(&flagKeyLabel, "label", "", "a human-readable label for this key, e.g. a username")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <public-key-hex>",
		Short: "Revoke a client's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRemove(cmd.Context(), flagConfigPath, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List authorized client public keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeysList(cmd.Context(), flagConfigPath)
		},
	})

	return cmd
}

func loadConfigQuiet(configPath string) (*dyncconfig.ServerConfig, error) {
	return dyncconfig.LoadServerConfig(configPath, discardLogger())
}

func authorizedKeysDir(cfg *dyncconfig.ServerConfig, configPath string) string {
	if cfg.AuthorizedKeysDir != "" {
		return cfg.AuthorizedKeysDir
	}
	return filepath.Join(filepath.Dir(configPath), "authorized_keys")
}

func runKeysAdd(ctx context.Context, configPath, pubHex, label string) error {
	pub, err := decodePublicKeyHex(pubHex)
	if err != nil {
		return err
	}

	cfg, err := loadConfigQuiet(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dir := authorizedKeysDir(cfg, configPath)
	path := filepath.Join(dir, transport.PublicKeyHex(pub))
	if err := transport.SavePublicKey(path, pub); err != nil {
		return err
	}

	if cfg.LedgerPath != "" {
		db, err := ledger.Open(ctx, cfg.LedgerPath, discardLogger())
		if err != nil {
			return fmt.Errorf("opening audit ledger: %w", err)
		}
		defer db.Close()
		if err := db.AddAuthorizedKey(ctx, transport.PublicKeyHex(pub), label, time.Now()); err != nil {
			return err
		}
	}

	fmt.Printf("authorized %s\n", transport.PublicKeyHex(pub))
	if err := sendSIGHUP(pidFilePath(configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "note: %v (restart dyncd or send SIGHUP to pick this up)\n", err)
	}
	return nil
}

func runKeysRemove(ctx context.Context, configPath, pubHex string) error {
	pub, err := decodePublicKeyHex(pubHex)
	if err != nil {
		return err
	}

	cfg, err := loadConfigQuiet(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dir := authorizedKeysDir(cfg, configPath)
	path := filepath.Join(dir, transport.PublicKeyHex(pub))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing key file %s: %w", path, err)
	}

	if cfg.LedgerPath != "" {
		db, err := ledger.Open(ctx, cfg.LedgerPath, discardLogger())
		if err != nil {
			return fmt.Errorf("opening audit ledger: %w", err)
		}
		defer db.Close()
		if err := db.RemoveAuthorizedKey(ctx, transport.PublicKeyHex(pub)); err != nil {
			return err
		}
	}

	fmt.Printf("revoked %s\n", transport.PublicKeyHex(pub))
	if err := sendSIGHUP(pidFilePath(configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "note: %v (restart dyncd or send SIGHUP to pick this up)\n", err)
	}
	return nil
}

func runKeysList(ctx context.Context, configPath string) error {
	cfg, err := loadConfigQuiet(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dir := authorizedKeysDir(cfg, configPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no authorized keys")
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	labels := map[string]string{}
	if cfg.LedgerPath != "" {
		if db, err := ledger.Open(ctx, cfg.LedgerPath, discardLogger()); err == nil {
			defer db.Close()
			if recs, err := db.ListAuthorizedKeys(ctx); err == nil {
				for _, r := range recs {
					labels[r.PublicKeyHex] = r.Label
				}
			}
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBLIC KEY\tLABEL")
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", e.Name(), labels[e.Name()])
	}
	return tw.Flush()
}

func decodePublicKeyHex(s string) ([transport.KeySize]byte, error) {
	var pub [transport.KeySize]byte
	data, err := hex.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("invalid hex public key: %w", err)
	}
	if len(data) != transport.KeySize {
		return pub, fmt.Errorf("public key has %d bytes, want %d", len(data), transport.KeySize)
	}
	copy(pub[:], data)
	return pub, nil
}
