package dyncconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestLoadServerConfig_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.toml"), discardLogger())
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Port != defaultListenPort {
		t.Fatalf("port = %d, want default %d", cfg.Port, defaultListenPort)
	}
}

func TestLoadServerConfig_ParsesOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dyncd.toml")
	body := `
port = 9000
staging_root = "/var/lib/dync/staging"
destination_root = "/var/lib/dync/dest"
default_maxqueue = 128
idle_timeout = "45s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadServerConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Port != 9000 || cfg.DefaultMaxqueue != 128 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.ServerIdleTimeoutDuration().Seconds() != 45 {
		t.Fatalf("idle timeout = %v", cfg.ServerIdleTimeoutDuration())
	}
}

func TestLoadServerConfig_RejectsBadPort(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dyncd.toml")
	if err := os.WriteFile(path, []byte("port = 70000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadServerConfig(path, discardLogger()); err == nil {
		t.Fatalf("expected validation error for out-of-range port")
	}
}

func TestLoadClientConfig_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.toml"), discardLogger())
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.RetryCount != defaultRetryCount {
		t.Fatalf("retry count = %d, want %d", cfg.RetryCount, defaultRetryCount)
	}
}
