package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overriding stream.max_msg_failures.
const maxMsgFailuresEnvVar = "CCXT_MAX_MSG_FAILURES"

type Config struct {
	Streamflow SystemConfig           `yaml:"streamflow"`
	Logging    LoggingConfig          `yaml:"logging"`
	CloudWatch CloudWatchConfig       `yaml:"cloudwatch"`
	Dashboard  DashboardConfig        `yaml:"dashboard"`
	Stream     StreamConfig           `yaml:"stream"`
	Venues     map[string]VenueConfig `yaml:"venues"`
}

type SystemConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// StreamConfig carries the knobs shared by every venue client.
type StreamConfig struct {
	MaxMsgFailures int             `yaml:"max_msg_failures"`
	FailureWindow  time.Duration   `yaml:"failure_window"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	SendTimeout    time.Duration   `yaml:"send_timeout"`
	EventQueueSize int             `yaml:"event_queue_size"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// VenueConfig declares which streams to open on one venue at startup.
type VenueConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

type SubscriptionConfig struct {
	Channel  string   `yaml:"channel"`
	Symbols  []string `yaml:"symbols"`
	Interval string   `yaml:"interval,omitempty"`
}

const defaultConfigPath = "config/config.yml"

// Environment specific configuration files picked up when APP_ENV is set
// and the caller did not point at a custom path.
var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

// LoadConfig reads, defaults and validates the configuration file. When the
// default path is used, APP_ENV selects an environment specific file if one
// is mapped.
func LoadConfig(path string) (*Config, error) {
	resolved := resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)
	if resolved != path {
		if _, err := os.Stat(resolved); err == nil {
			path = resolved
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Stream.MaxMsgFailures <= 0 {
		cfg.Stream.MaxMsgFailures = 100
	}
	if cfg.Stream.FailureWindow <= 0 {
		cfg.Stream.FailureWindow = 60 * time.Second
	}
	if cfg.Stream.ConnectTimeout <= 0 {
		cfg.Stream.ConnectTimeout = 15 * time.Second
	}
	if cfg.Stream.SendTimeout <= 0 {
		cfg.Stream.SendTimeout = 5 * time.Second
	}
	if cfg.Stream.EventQueueSize <= 0 {
		cfg.Stream.EventQueueSize = 1024
	}
	if cfg.Stream.Reconnect.InitialInterval <= 0 {
		cfg.Stream.Reconnect.InitialInterval = time.Second
	}
	if cfg.Stream.Reconnect.MaxInterval <= 0 {
		cfg.Stream.Reconnect.MaxInterval = 60 * time.Second
	}
	if cfg.Stream.RateLimit.RequestsPerSecond <= 0 {
		cfg.Stream.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Stream.RateLimit.BurstSize <= 0 {
		cfg.Stream.RateLimit.BurstSize = 10
	}
	if cfg.Dashboard.Enabled && cfg.Dashboard.RefreshInterval <= 0 {
		cfg.Dashboard.RefreshInterval = 5 * time.Second
	}
}

// applyEnvOverrides maps environment variables onto the loaded configuration.
// CCXT_MAX_MSG_FAILURES is read once here; the clients never re-read it.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(maxMsgFailuresEnvVar)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.MaxMsgFailures = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.CloudWatch.Region == "" {
		cfg.CloudWatch.Region = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Streamflow.Name == "" {
		return fmt.Errorf("streamflow.name is required")
	}
	if cfg.Streamflow.Version == "" {
		return fmt.Errorf("streamflow.version is required")
	}

	for venue, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		for _, sub := range vc.Subscriptions {
			switch sub.Channel {
			case "ticker", "orderbook", "trades", "candles":
			default:
				return fmt.Errorf("venues.%s: unknown channel %q", venue, sub.Channel)
			}
			if len(sub.Symbols) == 0 {
				return fmt.Errorf("venues.%s: channel %q needs at least one symbol", venue, sub.Channel)
			}
			if sub.Channel == "candles" && sub.Interval == "" {
				return fmt.Errorf("venues.%s: candles subscription needs an interval", venue)
			}
		}
	}
	return nil
}

// EnabledVenues lists the venues switched on in configuration, sorted for
// deterministic startup order.
func (c *Config) EnabledVenues() []string {
	names := make([]string, 0, len(c.Venues))
	for name, vc := range c.Venues {
		if vc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
