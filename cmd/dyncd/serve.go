package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dyncproto/dync/internal/credit"
	"github.com/dyncproto/dync/internal/dyncconfig"
	"github.com/dyncproto/dync/internal/ledger"
	"github.com/dyncproto/dync/internal/serverup"
	"github.com/dyncproto/dync/internal/stage"
	"github.com/dyncproto/dync/internal/transport"
	"github.com/dyncproto/dync/internal/validate"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload server in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flagConfigPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := dyncconfig.LoadServerConfig(configPath, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg)
	ctx = shutdownContext(ctx, logger)

	pidPath := pidFilePath(configPath)
	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	self, err := transport.LoadOrGenerateKeyPair(keyFilePath(cfg))
	if err != nil {
		return fmt.Errorf("loading server identity key: %w", err)
	}
	logger.Info("server identity", slog.String("public_key", transport.PublicKeyHex(self.Public)))

	authDir := cfg.AuthorizedKeysDir
	if authDir == "" {
		authDir = filepath.Join(filepath.Dir(configPath), "authorized_keys")
	}
	auth, err := transport.NewAuthStore(authDir, logger)
	if err != nil {
		return fmt.Errorf("loading authorized-keys store: %w", err)
	}
	watchSIGHUP(ctx, auth, logger)

	stagingRoot := cfg.StagingRoot
	if stagingRoot == "" {
		stagingRoot = filepath.Join(filepath.Dir(configPath), "staging")
	}
	destRoot := cfg.DestinationRoot
	if destRoot == "" {
		return fmt.Errorf("destination_root must be set in %s", configPath)
	}
	storage, err := stage.NewFSStorage(stagingRoot, destRoot, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	var audit serverup.Auditor
	if cfg.LedgerPath != "" {
		db, openErr := ledger.Open(ctx, cfg.LedgerPath, logger)
		if openErr != nil {
			return fmt.Errorf("opening audit ledger: %w", openErr)
		}
		defer db.Close()
		audit = db
	}

	creditCtl := credit.New(credit.Policy{
		PreferredChunksize: cfg.PreferredChunksize,
		DefaultMaxqueue:    cfg.DefaultMaxqueue,
		GlobalBudget:       cfg.GlobalBudgetBytes,
		IdleTimeout:        cfg.ServerIdleTimeoutDuration(),
		MaxProbes:          cfg.MaxProbes,
	}, logger)

	wsServer := transport.NewWSServer(self, auth, logger)

	router := serverup.NewRouter(
		wsServer,
		storage,
		validate.AcceptAll{},
		creditCtl,
		serverup.Config{MaxFilenameLength: cfg.MaxFilenameLength},
		cfg.ServerIdleTimeoutDuration(),
		audit,
		logger,
	)

	httpServer := &http.Server{Addr: cfg.Addr(), Handler: wsServer}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := router.Run(groupCtx); err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("router: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		_ = wsServer.Close()
		_ = httpServer.Close()
		return nil
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func pidFilePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "dyncd.pid")
}

func keyFilePath(cfg *dyncconfig.ServerConfig) string {
	if cfg.PrivateKeyFile != "" {
		return cfg.PrivateKeyFile
	}
	return "dyncd_identity.key"
}

// watchSIGHUP reloads the authorized-keys directory on SIGHUP without
// restarting the process, so an operator can add or remove a client's
// public key file and have it take effect immediately.
func watchSIGHUP(ctx context.Context, auth *transport.AuthStore, logger *slog.Logger) {
	sigCh := sighupChannel()

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				if err := auth.Reload(); err != nil {
					logger.Warn("failed to reload authorized keys", slog.String("error", err.Error()))
					continue
				}
				logger.Info("reloaded authorized keys")
			case <-ctx.Done():
				return
			}
		}
	}()
}
