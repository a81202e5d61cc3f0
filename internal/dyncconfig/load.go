package dyncconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LoadServerConfig reads and validates a dyncd TOML config file. If path
// does not exist, it returns the zero-config defaults rather than erroring,
// matching the client's zero-config first-run experience.
func LoadServerConfig(path string, logger *slog.Logger) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("dyncconfig: server config file not found, using defaults", slog.String("path", path))
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("dyncconfig: parsing %s: %w", path, err)
	}

	if err := validateServerConfig(cfg); err != nil {
		return nil, fmt.Errorf("dyncconfig: %s: %w", path, err)
	}

	logger.Debug("dyncconfig: server config loaded", slog.String("path", path))
	return cfg, nil
}

// LoadClientConfig reads and validates a dync client TOML config file,
// falling back to defaults when the file is absent.
func LoadClientConfig(path string, logger *slog.Logger) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("dyncconfig: client config file not found, using defaults", slog.String("path", path))
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("dyncconfig: parsing %s: %w", path, err)
	}

	if err := validateClientConfig(cfg); err != nil {
		return nil, fmt.Errorf("dyncconfig: %s: %w", path, err)
	}

	logger.Debug("dyncconfig: client config loaded", slog.String("path", path))
	return cfg, nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.PreferredChunksize == 0 {
		return errors.New("preferred_chunksize must be positive")
	}
	if cfg.DefaultMaxqueue == 0 {
		return errors.New("default_maxqueue must be positive")
	}
	if cfg.MaxProbes <= 0 {
		return errors.New("max_probes must be positive")
	}
	if cfg.MaxFilenameLength <= 0 {
		return errors.New("max_filename_length must be positive")
	}
	if _, err := time.ParseDuration(cfg.IdleTimeout); err != nil {
		return fmt.Errorf("idle_timeout: %w", err)
	}
	return nil
}

func validateClientConfig(cfg *ClientConfig) error {
	if cfg.DefaultPort <= 0 || cfg.DefaultPort > 65535 {
		return fmt.Errorf("default_port %d out of range", cfg.DefaultPort)
	}
	if cfg.RetryCount <= 0 {
		return errors.New("retry_count must be positive")
	}
	if _, err := time.ParseDuration(cfg.InactivityTimeout); err != nil {
		return fmt.Errorf("inactivity_timeout: %w", err)
	}
	return nil
}

// ServerIdleTimeoutDuration parses IdleTimeout, returning the package default
// on a parse error (validateServerConfig already rejects unparsable values at
// load time).
func (c *ServerConfig) ServerIdleTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// InactivityTimeoutDuration parses InactivityTimeout, returning the package
// default on a parse error.
func (c *ClientConfig) InactivityTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.InactivityTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
