package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caydenlund/codenames/go/internal/boardsync"
	"github.com/caydenlund/codenames/go/internal/boardsync/transport"
	"github.com/caydenlund/codenames/go/internal/models"
)

// Transport names accepted in configuration.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config holds boardwatch settings. Values come from an optional YAML file
// and are then overridden by BOARD_* environment variables.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	Mode      string `yaml:"mode"`
	Transport string `yaml:"transport"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Reconnect struct {
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxAttempts int           `yaml:"max_attempts"`
		MaxDelay    time.Duration `yaml:"max_delay"`
	} `yaml:"reconnect"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	StatusAddr     string        `yaml:"status_addr"`
	LogLevel       string        `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	syncCfg := boardsync.DefaultConfig()
	natsCfg := transport.DefaultNATSConfig()

	cfg := &Config{
		BaseURL:        "http://localhost:8080",
		Mode:           string(models.ModePublic),
		Transport:      TransportWebSocket,
		RequestTimeout: 10 * time.Second,
		StatusAddr:     ":9090",
		LogLevel:       "info",
	}
	cfg.NATS.URL = natsCfg.URL
	cfg.NATS.SubjectPrefix = natsCfg.SubjectPrefix
	cfg.Reconnect.BaseDelay = syncCfg.BaseDelay
	cfg.Reconnect.MaxAttempts = syncCfg.MaxAttempts
	cfg.Reconnect.MaxDelay = syncCfg.MaxDelay
	return cfg
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BaseURL = getEnv("BOARD_BASE_URL", c.BaseURL)
	c.Mode = getEnv("BOARD_MODE", c.Mode)
	c.Transport = getEnv("BOARD_TRANSPORT", c.Transport)
	c.NATS.URL = getEnv("BOARD_NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("BOARD_NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.Reconnect.BaseDelay = getEnvAsDuration("BOARD_RECONNECT_BASE_DELAY", c.Reconnect.BaseDelay)
	c.Reconnect.MaxAttempts = getEnvAsInt("BOARD_RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.Reconnect.MaxDelay = getEnvAsDuration("BOARD_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.RequestTimeout = getEnvAsDuration("BOARD_REQUEST_TIMEOUT", c.RequestTimeout)
	c.StatusAddr = getEnv("BOARD_STATUS_ADDR", c.StatusAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks the values that cannot be defaulted away.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if _, err := models.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	switch c.Transport {
	case TransportWebSocket:
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}
	if c.Reconnect.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnect.max_delay must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BoardMode returns the parsed mode. Only valid after Validate.
func (c *Config) BoardMode() models.Mode {
	mode, _ := models.ParseMode(c.Mode)
	return mode
}

// Synchronizer returns the reconnect policy; collaborators are left unset.
func (c *Config) Synchronizer() boardsync.Config {
	return boardsync.Config{
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
		MaxDelay:    c.Reconnect.MaxDelay,
	}
}

func (c *Config) WebSocket() transport.WebSocketConfig {
	return transport.DefaultWebSocketConfig(c.BaseURL)
}

func (c *Config) NATSConfig() transport.NATSConfig {
	cfg := transport.DefaultNATSConfig()
	cfg.URL = c.NATS.URL
	cfg.SubjectPrefix = c.NATS.SubjectPrefix
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
