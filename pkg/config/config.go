// Package config provides the configuration of the scale daemon, read from a YAML file
// and / or environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Supported transports
const (
	TransportHCI   = "hci"
	TransportBlueZ = "bluez"
	TransportMock  = "mock"
)

// Config holds all configuration parameters of the scale daemon
type Config struct {
	Scale   ScaleConfig   `yaml:"scale"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// ScaleConfig denotes the scale and connection settings
type ScaleConfig struct {
	Address       string        `yaml:"address" env:"SCALE_ADDRESS" env-required:"true"`
	Profile       string        `yaml:"profile" env:"SCALE_PROFILE" env-default:"classic"`
	Transport     string        `yaml:"transport" env:"SCALE_TRANSPORT" env-default:"hci"`
	HCIDevice     int           `yaml:"hciDevice" env:"SCALE_HCI_DEVICE" env-default:"-1"`
	RetryInterval time.Duration `yaml:"retryInterval" env:"SCALE_RETRY_INTERVAL" env-default:"60s"`
	IdleTimeout   time.Duration `yaml:"idleTimeout" env:"SCALE_IDLE_TIMEOUT" env-default:"60s"`
}

// APIConfig denotes the REST API and connection polling settings
type APIConfig struct {
	Listen       string `yaml:"listen" env:"API_LISTEN" env-default:":8080"`
	PollSchedule string `yaml:"pollSchedule" env:"POLL_SCHEDULE" env-default:"@every 30s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `yaml:"logFormat" env:"LOG_FORMAT" env-default:"console"`
	Level  string `yaml:"logLevel" env:"LOG_LEVEL" env-default:"info"`
}

// Load reads the configuration from the specified file path and applies environment
// variable overrides. If path is empty, the configuration is read from the environment
// only
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid, normalizing them where
// applicable
func (c *Config) Validate() error {

	if err := c.Scale.Validate(); err != nil {
		return err
	}

	// Validate API settings
	if strings.TrimSpace(c.API.Listen) == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.API.PollSchedule != "" {
		if _, err := cron.ParseStandard(c.API.PollSchedule); err != nil {
			return fmt.Errorf("invalid pollSchedule '%s': %w", c.API.PollSchedule, err)
		}
	}

	// Validate logging settings
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format != "json" && c.Logging.Format != "console" && c.Logging.Format != "logfmt" {
		return fmt.Errorf("logFormat must be 'json', 'console', or 'logfmt', got '%s'", c.Logging.Format)
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error, got '%s'", c.Logging.Level)
	}

	return nil
}

// Validate checks the scale settings, normalizing them where applicable
func (c *ScaleConfig) Validate() error {
	c.Address = strings.TrimSpace(c.Address)
	if err := transport.ValidateAddress(c.Address); err != nil {
		return err
	}
	if _, err := decoder.Lookup(c.Profile); err != nil {
		return err
	}

	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case TransportHCI, TransportBlueZ, TransportMock:
	default:
		return fmt.Errorf("transport must be one of: %s, %s, %s, got '%s'", TransportHCI, TransportBlueZ, TransportMock, c.Transport)
	}

	if c.RetryInterval <= 0 {
		return fmt.Errorf("retryInterval must be positive, got %v", c.RetryInterval)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idleTimeout must be positive, got %v", c.IdleTimeout)
	}

	return nil
}

// NewLogger creates a logger based on the logging configuration
func (c *Config) NewLogger() (*zap.SugaredLogger, error) {
	return scale.NewLogger(c.Logging.Level, c.Logging.Format)
}

// Usage returns a description of all supported environment variables
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
