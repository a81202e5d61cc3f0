// Package dyncconfig implements TOML configuration loading for the dync
// server and client binaries, following the same load-then-validate shape
// used elsewhere in this codebase: typed defaults, a single decode pass,
// and validation before the caller ever sees a Config.
package dyncconfig

import (
	"fmt"
)

// Default values for every tunable. These are "layer 0": the starting
// point for TOML decoding (so unset fields keep sane values) and the
// fallback when no config file exists at all.
const (
	defaultListenPort         = 8889
	defaultPreferredChunksize = 1 << 16 // 64 KiB
	defaultMaxqueue           = 64
	defaultGlobalBudget       = 256 << 20 // 256 MiB of outstanding credit
	defaultIdleTimeout        = "30s"
	defaultMaxProbes          = 5
	defaultMaxFilenameLength  = 256

	defaultClientPort        = 8889
	defaultInactivityTimeout = "30s"
	defaultRetryCount        = 5
)

// ServerConfig is the dyncd server's configuration.
type ServerConfig struct {
	// ListenAddr is the TCP address to bind, e.g. ":8889" or "0.0.0.0:8889".
	ListenAddr string `toml:"listen_addr"`
	// Port is used to build ListenAddr when ListenAddr is empty.
	Port int `toml:"port"`

	StagingRoot       string `toml:"staging_root"`
	DestinationRoot   string `toml:"destination_root"`
	AuthorizedKeysDir string `toml:"authorized_keys_dir"`
	PrivateKeyFile    string `toml:"private_key_file"`

	LedgerPath string `toml:"ledger_path"`

	PreferredChunksize uint32 `toml:"preferred_chunksize"`
	DefaultMaxqueue    uint32 `toml:"default_maxqueue"`
	GlobalBudgetBytes  uint64 `toml:"global_budget_bytes"`
	IdleTimeout        string `toml:"idle_timeout"`
	MaxProbes          int    `toml:"max_probes"`
	MaxFilenameLength  int    `toml:"max_filename_length"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// ClientConfig is the dync client's configuration.
type ClientConfig struct {
	DefaultServerHost string `toml:"default_server_host"`
	DefaultPort       int    `toml:"default_port"`

	PrivateKeyFile      string `toml:"private_key_file"`
	ServerPublicKeyFile string `toml:"server_public_key_file"`

	InactivityTimeout string `toml:"inactivity_timeout"`
	RetryCount        int    `toml:"retry_count"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// DefaultServerConfig returns a ServerConfig populated with every default.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:               defaultListenPort,
		PreferredChunksize: defaultPreferredChunksize,
		DefaultMaxqueue:    defaultMaxqueue,
		GlobalBudgetBytes:  defaultGlobalBudget,
		IdleTimeout:        defaultIdleTimeout,
		MaxProbes:          defaultMaxProbes,
		MaxFilenameLength:  defaultMaxFilenameLength,
		LogLevel:           "info",
		LogFormat:          "auto",
	}
}

// DefaultClientConfig returns a ClientConfig populated with every default.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DefaultPort:       defaultClientPort,
		InactivityTimeout: defaultInactivityTimeout,
		RetryCount:        defaultRetryCount,
		LogLevel:          "info",
		LogFormat:         "auto",
	}
}

// Addr returns the TCP address to listen on, preferring an explicit
// ListenAddr over Port.
func (c *ServerConfig) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return fmt.Sprintf(":%d", c.Port)
}
