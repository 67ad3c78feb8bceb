// Package config loads relay and device settings from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by the relay binary and the CLI; each reads the fields
// it needs.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Relay  RelayConfig  `yaml:"relay"`
	Device DeviceConfig `yaml:"device"`
}

type RelayConfig struct {
	Addr      string        `yaml:"addr"`
	DBPath    string        `yaml:"db_path"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// RedisURL enables cross-instance fan-out. Empty keeps subscriptions
	// in process.
	RedisURL string `yaml:"redis_url"`
}

type DeviceConfig struct {
	RelayURL string `yaml:"relay_url"`
	DBPath   string `yaml:"db_path"`
	PeerID   string `yaml:"peer_id"`
	ActorID  string `yaml:"actor_id"`
	Secret   string `yaml:"secret"`

	HealthInterval         time.Duration `yaml:"health_interval"`
	ConsolidationThreshold int           `yaml:"consolidation_threshold"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Relay: RelayConfig{
			Addr:     ":8080",
			DBPath:   "./data/relay.db",
			TokenTTL: 24 * time.Hour,
		},
		Device: DeviceConfig{
			RelayURL:               "http://localhost:8080",
			DBPath:                 "./data/device.db",
			HealthInterval:         30 * time.Second,
			ConsolidationThreshold: 50,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Relay.Addr = getEnv("LEDGERSYNC_ADDR", c.Relay.Addr)
	c.Relay.DBPath = getEnv("LEDGERSYNC_RELAY_DB", c.Relay.DBPath)
	c.Relay.JWTSecret = getEnv("JWT_SECRET", c.Relay.JWTSecret)
	c.Relay.RedisURL = getEnv("REDIS_URL", c.Relay.RedisURL)

	c.Device.RelayURL = getEnv("LEDGERSYNC_RELAY_URL", c.Device.RelayURL)
	c.Device.DBPath = getEnv("LEDGERSYNC_DEVICE_DB", c.Device.DBPath)
	c.Device.PeerID = getEnv("LEDGERSYNC_PEER_ID", c.Device.PeerID)
	c.Device.ActorID = getEnv("LEDGERSYNC_ACTOR_ID", c.Device.ActorID)
	c.Device.Secret = getEnv("LEDGERSYNC_SECRET", c.Device.Secret)

	if v := os.Getenv("LEDGERSYNC_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGERSYNC_TOKEN_TTL: %w", err)
		}
		c.Relay.TokenTTL = d
	}
	if v := os.Getenv("LEDGERSYNC_HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGERSYNC_HEALTH_INTERVAL: %w", err)
		}
		c.Device.HealthInterval = d
	}
	if v := os.Getenv("LEDGERSYNC_CONSOLIDATION_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGERSYNC_CONSOLIDATION_THRESHOLD: %w", err)
		}
		c.Device.ConsolidationThreshold = n
	}
	return nil
}

// ValidateRelay checks the settings the relay cannot start without.
func (c *Config) ValidateRelay() error {
	if c.Relay.JWTSecret == "" {
		return errors.New("relay jwt secret is required (JWT_SECRET)")
	}
	if c.Relay.TokenTTL <= 0 {
		return errors.New("relay token ttl must be positive")
	}
	return nil
}

// ValidateDevice checks the settings a device cannot sync without.
func (c *Config) ValidateDevice() error {
	if c.Device.PeerID == "" {
		return errors.New("device peer id is required (LEDGERSYNC_PEER_ID)")
	}
	if c.Device.ActorID == "" {
		return errors.New("device actor id is required (LEDGERSYNC_ACTOR_ID)")
	}
	return nil
}
