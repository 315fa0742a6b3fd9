package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AgentConfig is the guest agent's configuration. Guests are
// provisioned with environment files, so every field has a SEAMLESS_*
// override.
type AgentConfig struct {
	// ProxyAddr is the host proxy's TCP address as seen from inside
	// the VM.
	ProxyAddr string `envconfig:"PROXY_ADDR" default:"192.168.100.1:7683"`

	// Identity names this VM to the host. Defaults to the hostname.
	Identity string `envconfig:"IDENTITY"`

	// PollInterval is the window sampling period.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"250ms"`

	// QueueSize bounds the outbound event queue.
	QueueSize int `envconfig:"QUEUE_SIZE" default:"1024"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadAgent reads the agent configuration from the environment.
func LoadAgent() (*AgentConfig, error) {
	var cfg AgentConfig
	if err := envconfig.Process("seamless", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if cfg.Identity == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to derive identity from hostname: %w", err)
		}
		cfg.Identity = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the agent configuration for usable values.
func (c *AgentConfig) Validate() error {
	if c.ProxyAddr == "" {
		return fmt.Errorf("proxy address must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}
