// Package config loads the host daemon's YAML configuration and the
// guest agent's environment configuration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host proxy daemon's configuration.
type Config struct {
	// ListenAddr is the TCP address guest agents connect to. It should
	// be the host side of the VM network segment.
	ListenAddr string `yaml:"listen_addr"`

	// HandshakeTimeout bounds how long a new connection may take to
	// present its hello frame.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// StaleAfter is the heartbeat age past which a session is reported
	// stale. Should be a small multiple of the agents' poll interval.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MetricsAddr serves Prometheus metrics over HTTP. Empty disables
	// the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// VMDir holds the virtual machine definitions consumed by the vm
	// subcommands.
	VMDir string `yaml:"vm_dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       "192.168.100.1:7683",
		HandshakeTimeout: 5 * time.Second,
		StaleAfter:       750 * time.Millisecond,
		MetricsAddr:      "",
		LogLevel:         "info",
	}
}

// DefaultConfigPath returns the standard host config location.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "seamless", "config.yaml"), nil
}

// DefaultVMDir returns the standard VM definitions directory.
func DefaultVMDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "seamless", "vms"), nil
}

// Load reads the configuration from the standard location. A missing
// file yields the defaults.
func Load() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from path, applying defaults
// for unset fields. Unknown keys are an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := decodeStrictYAML(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.VMDir == "" {
		vmDir, err := DefaultVMDir()
		if err != nil {
			return nil, err
		}
		cfg.VMDir = vmDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive, got %s", c.StaleAfter)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

func decodeStrictYAML(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to parse yaml: %w", err)
	}
	return nil
}
