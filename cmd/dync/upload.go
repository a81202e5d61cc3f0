package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/dyncproto/dync/internal/clientup"
	"github.com/dyncproto/dync/internal/dyncconfig"
	"github.com/dyncproto/dync/internal/transport"
)

func runUpload(ctx context.Context, serverHost, localPath string) error {
	cfg, err := dyncconfig.LoadClientConfig(flagConfigPath, discardLogger())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := buildLogger(cfg)

	source, size, remoteName, err := openSource(localPath, flagRemoteName)
	if err != nil {
		return err
	}
	defer source.Close()

	metaJSON, err := buildMetadata(flagMetaFile, flagOverrides)
	if err != nil {
		return err
	}

	port := cfg.DefaultPort
	if flagPort != 0 {
		port = flagPort
	}
	addr := fmt.Sprintf("ws://%s:%d", serverHost, port)

	self, err := transport.LoadOrGenerateKeyPair(clientKeyFile(cfg))
	if err != nil {
		return fmt.Errorf("%w: loading client identity key: %s", clientup.ErrLocalIO, err)
	}

	serverPub, err := transport.LoadPublicKey(cfg.ServerPublicKeyFile)
	if err != nil {
		return fmt.Errorf("%w: loading server public key: %s", errUsage, err)
	}

	identity := transport.Identity(uuid.New().String())

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.InactivityTimeoutDuration())
	endpoint, err := transport.DialClient(dialCtx, addr, self, serverPub, identity)
	cancelDial()
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %s", clientup.ErrTransportTimeout, addr, err)
	}
	defer endpoint.Close()

	progress := newProgressReader(source, remoteName, size)

	machine := clientup.New(endpoint, progress, clientup.Config{
		Filename:          remoteName,
		MetaJSON:          metaJSON,
		InactivityTimeout: cfg.InactivityTimeoutDuration(),
		MaxRetries:        cfg.RetryCount,
	}, logger)

	ctx = watchCancelSignal(ctx, machine)

	if err := machine.Run(ctx); err != nil {
		return err
	}

	fmt.Printf("uploaded %s (id=%s)\n", remoteName, machine.UploadID())
	return nil
}

// openSource resolves the positional <local-path> into a readable source,
// its size (-1 when unknown, e.g. stdin), and the filename to announce to
// the server.
func openSource(localPath, nameOverride string) (io.ReadCloser, int64, string, error) {
	if localPath == "-" {
		if nameOverride == "" {
			return nil, 0, "", fmt.Errorf("%w: -n is required when reading from standard input", errUsage)
		}
		return io.NopCloser(os.Stdin), -1, nameOverride, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: opening %s: %s", clientup.ErrLocalIO, localPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", fmt.Errorf("%w: statting %s: %s", clientup.ErrLocalIO, localPath, err)
	}

	name := nameOverride
	if name == "" {
		name = filepath.Base(localPath)
	}

	return f, info.Size(), name, nil
}

func clientKeyFile(cfg *dyncconfig.ClientConfig) string {
	if cfg.PrivateKeyFile != "" {
		return cfg.PrivateKeyFile
	}
	return "dync_identity.key"
}

// watchCancelSignal requests the machine cancel its upload on the first
// SIGINT/SIGTERM; a second signal force-exits, matching dyncd's shutdown
// behavior.
func watchCancelSignal(parent context.Context, machine *clientup.Machine) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			machine.Cancel()
		case <-ctx.Done():
			return
		}

		select {
		case <-sigCh:
			os.Exit(130)
		case <-parent.Done():
		}
	}()

	return ctx
}
