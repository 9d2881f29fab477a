// ABOUTME: Configuration loading and parsing for slackmond
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, env overrides and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SLACKMOND_SLACK_BOT_TOKEN.
const EnvPrefix = "SLACKMOND"

// Default values applied when the file leaves a field empty.
const (
	DefaultHTTPAddr          = "127.0.0.1:8090"
	DefaultServerOrigin      = "http://127.0.0.1:8090"
	DefaultAlmondURL         = "https://almond.stanford.edu"
	DefaultDatabaseURL       = "slackmond.db"
	DefaultInactivityTimeout = 60 * time.Second
	DefaultDedupeTTL         = 5 * time.Minute
)

// Config represents the complete slackmond configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Slack    SlackConfig    `yaml:"slack" toml:"slack"`
	Almond   AlmondConfig   `yaml:"almond" toml:"almond"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener and the public origin used in OAuth links
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" envconfig:"http_addr"`
	Origin   string `yaml:"origin" toml:"origin" envconfig:"origin"`
}

// DatabaseConfig holds the credential store location.
// A postgres:// or postgresql:// URL selects PostgreSQL, anything else is a SQLite path.
type DatabaseConfig struct {
	URL string `yaml:"url" toml:"url" envconfig:"url"`
}

// SlackConfig holds Slack Socket Mode credentials
type SlackConfig struct {
	BotToken string `yaml:"bot_token" toml:"bot_token" envconfig:"bot_token"`
	AppToken string `yaml:"app_token" toml:"app_token" envconfig:"app_token"`
	APIURL   string `yaml:"api_url" toml:"api_url" envconfig:"api_url"`
}

// AlmondConfig holds the backend location and OAuth client credentials
type AlmondConfig struct {
	URL          string `yaml:"url" toml:"url" envconfig:"url"`
	ClientID     string `yaml:"client_id" toml:"client_id" envconfig:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret" envconfig:"client_secret"`
}

// RelayConfig holds conversation timing
type RelayConfig struct {
	InactivityTimeout time.Duration `yaml:"-" toml:"-" envconfig:"inactivity_timeout"`
	DedupeTTL         time.Duration `yaml:"-" toml:"-" envconfig:"dedupe_ttl"`

	// Raw string values for file unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout" ignored:"true"`
	DedupeTTLRaw         string `yaml:"dedupe_ttl" toml:"dedupe_ttl" ignored:"true"`
}

// AuthConfig holds the secret used to sign OAuth state tokens
type AuthConfig struct {
	StateSecret string `yaml:"state_secret" toml:"state_secret" envconfig:"state_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" envconfig:"level"`
	Format string `yaml:"format" toml:"format" envconfig:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding,
// and SLACKMOND_<SECTION>_<KEY> variables override decoded values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) error {
	sections := []struct {
		name string
		spec any
	}{
		{"SERVER", &cfg.Server},
		{"DATABASE", &cfg.Database},
		{"SLACK", &cfg.Slack},
		{"ALMOND", &cfg.Almond},
		{"RELAY", &cfg.Relay},
		{"AUTH", &cfg.Auth},
		{"LOGGING", &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.spec); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(s.name), err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.Origin == "" {
		c.Server.Origin = DefaultServerOrigin
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Database.URL == "" {
		c.Database.URL = DefaultDatabaseURL
	}
	if c.Almond.URL == "" {
		c.Almond.URL = DefaultAlmondURL
	}
	c.Almond.URL = strings.TrimRight(c.Almond.URL, "/")
	if c.Relay.InactivityTimeout == 0 {
		c.Relay.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.Relay.DedupeTTL == 0 {
		c.Relay.DedupeTTL = DefaultDedupeTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack.app_token is required")
	}
	if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		return fmt.Errorf("slack.app_token must be an app-level token (xapp-...)")
	}
	if c.Almond.ClientID == "" || c.Almond.ClientSecret == "" {
		return fmt.Errorf("almond.client_id and almond.client_secret are required")
	}
	if c.Auth.StateSecret == "" {
		return fmt.Errorf("auth.state_secret is required")
	}
	if len(c.Auth.StateSecret) < 32 {
		return fmt.Errorf("auth.state_secret must be at least 32 characters")
	}
	for name, raw := range map[string]string{"server.origin": c.Server.Origin, "almond.url": c.Almond.URL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	if c.Relay.InactivityTimeout < 0 {
		return fmt.Errorf("relay.inactivity_timeout must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.InactivityTimeoutRaw != "" {
		cfg.Relay.InactivityTimeout, err = time.ParseDuration(cfg.Relay.InactivityTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing inactivity_timeout %q: %w", cfg.Relay.InactivityTimeoutRaw, err)
		}
	}

	if cfg.Relay.DedupeTTLRaw != "" {
		cfg.Relay.DedupeTTL, err = time.ParseDuration(cfg.Relay.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Relay.DedupeTTLRaw, err)
		}
	}

	return nil
}

// IsPostgres reports whether the database URL points at PostgreSQL.
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// DefaultPath resolves the config file location: SLACKMOND_CONFIG, then
// $XDG_CONFIG_HOME/slackmond/config.yaml, then ~/.config/slackmond/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "slackmond", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "slackmond", "config.yaml")
}
