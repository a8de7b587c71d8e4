package config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models refeed.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		TokenTTL  string `yaml:"token_ttl"`
	} `yaml:"auth"`
	Impact struct {
		VolunteerPoints    int     `yaml:"volunteer_points"`
		DonorPoints        int     `yaml:"donor_points"`
		CarbonPerMissionKg float64 `yaml:"carbon_per_mission_kg"`
	} `yaml:"impact"`
	Listings struct {
		DefaultRadiusKm float64 `yaml:"default_radius_km"`
		SweepInterval   string  `yaml:"sweep_interval"`
	} `yaml:"listings"`
	Notify struct {
		RedisAddr    string `yaml:"redis_addr"`
		RedisChannel string `yaml:"redis_channel"`
	} `yaml:"notify"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with refeed config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.TokenTTL != "" {
		if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
			return fmt.Errorf("config.auth.token_ttl: %w", err)
		}
	}
	if c.Impact.VolunteerPoints < 0 || c.Impact.DonorPoints < 0 {
		return fmt.Errorf("config.impact points must not be negative")
	}
	if c.Impact.CarbonPerMissionKg < 0 {
		return fmt.Errorf("config.impact.carbon_per_mission_kg must not be negative")
	}
	if c.Listings.DefaultRadiusKm < 0 {
		return fmt.Errorf("config.listings.default_radius_km must not be negative")
	}
	if c.Listings.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Listings.SweepInterval); err != nil {
			return fmt.Errorf("config.listings.sweep_interval: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, pattern := range hook.Events {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("config.webhooks[%d].events: bad pattern %q", i, pattern)
			}
		}
	}
	return nil
}

// TokenTTL returns the configured JWT lifetime.
func (c *Config) TokenTTL() time.Duration {
	if d, err := time.ParseDuration(c.Auth.TokenTTL); err == nil && d > 0 {
		return d
	}
	return 7 * 24 * time.Hour
}

// SweepInterval returns how often overdue listings are expired in the background.
func (c *Config) SweepInterval() time.Duration {
	if d, err := time.ParseDuration(c.Listings.SweepInterval); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "refeed.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

auth:
  # Overridden by REFEED_JWT_SECRET when set.
  jwt_secret: ""
  token_ttl: 168h

impact:
  volunteer_points: 10
  donor_points: 5
  carbon_per_mission_kg: 2.5

listings:
  default_radius_km: 10
  sweep_interval: 1m

notify:
  # Leave empty to keep fan-out in process.
  redis_addr: ""
  redis_channel: refeed.notifications

log:
  level: info
  format: json

# Each hook receives matching events as signed JSON POSTs, e.g.
#   - url: https://example.org/hooks/refeed
#     secret: change-me
#     events: ["listing.*", "mission.status.updated"]
webhooks: []
`
