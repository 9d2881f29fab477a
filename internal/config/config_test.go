// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  http_addr: "0.0.0.0:8090"
  origin: "https://relay.example.com/"

database:
  url: "./test.db"

slack:
  bot_token: "xoxb-test"
  app_token: "xapp-test"

almond:
  url: "https://almond.example.com"
  client_id: "client"
  client_secret: "secret"

relay:
  inactivity_timeout: "90s"
  dedupe_ttl: "2m"

auth:
  state_secret: "0123456789abcdef0123456789abcdef"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.Origin != "https://relay.example.com" {
		t.Errorf("Server.Origin = %q, want trailing slash trimmed", cfg.Server.Origin)
	}
	if cfg.Database.URL != "./test.db" || cfg.Database.IsPostgres() {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Relay.InactivityTimeout != 90*time.Second {
		t.Errorf("Relay.InactivityTimeout = %v, want 90s", cfg.Relay.InactivityTimeout)
	}
	if cfg.Relay.DedupeTTL != 2*time.Minute {
		t.Errorf("Relay.DedupeTTL = %v, want 2m", cfg.Relay.DedupeTTL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	content := `
[database]
url = "postgres://relay@localhost/relay"

[slack]
bot_token = "xoxb-toml"
app_token = "xapp-toml"

[almond]
client_id = "client"
client_secret = "secret"

[relay]
inactivity_timeout = "30s"

[auth]
state_secret = "0123456789abcdef0123456789abcdef"
`
	cfg, err := Load(writeConfig(t, "config.toml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-toml" {
		t.Errorf("Slack.BotToken = %q", cfg.Slack.BotToken)
	}
	if !cfg.Database.IsPostgres() {
		t.Errorf("expected postgres database, got %q", cfg.Database.URL)
	}
	if cfg.Relay.InactivityTimeout != 30*time.Second {
		t.Errorf("Relay.InactivityTimeout = %v", cfg.Relay.InactivityTimeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
slack:
  bot_token: "xoxb-test"
  app_token: "xapp-test"
almond:
  client_id: "client"
  client_secret: "secret"
auth:
  state_secret: "0123456789abcdef0123456789abcdef"
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Almond.URL != DefaultAlmondURL {
		t.Errorf("Almond.URL = %q, want %q", cfg.Almond.URL, DefaultAlmondURL)
	}
	if cfg.Server.Origin != DefaultServerOrigin {
		t.Errorf("Server.Origin = %q", cfg.Server.Origin)
	}
	if cfg.Database.URL != DefaultDatabaseURL {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Relay.InactivityTimeout != DefaultInactivityTimeout {
		t.Errorf("Relay.InactivityTimeout = %v", cfg.Relay.InactivityTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SLACK_BOT_TOKEN", "xoxb-from-env")
	t.Setenv("TEST_ALMOND_SECRET", "secret-from-env")

	content := strings.NewReplacer(
		`"xoxb-test"`, `"${TEST_SLACK_BOT_TOKEN}"`,
		`"secret"`, `"${TEST_ALMOND_SECRET}"`,
	).Replace(validYAML)

	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-from-env" {
		t.Errorf("Slack.BotToken = %q", cfg.Slack.BotToken)
	}
	if cfg.Almond.ClientSecret != "secret-from-env" {
		t.Errorf("Almond.ClientSecret = %q", cfg.Almond.ClientSecret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SLACKMOND_SLACK_BOT_TOKEN", "xoxb-override")
	t.Setenv("SLACKMOND_RELAY_INACTIVITY_TIMEOUT", "5m")
	t.Setenv("SLACKMOND_DATABASE_URL", "postgres://override/db")

	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-override" {
		t.Errorf("Slack.BotToken = %q, want override", cfg.Slack.BotToken)
	}
	if cfg.Slack.AppToken != "xapp-test" {
		t.Errorf("Slack.AppToken = %q, want file value kept", cfg.Slack.AppToken)
	}
	if cfg.Relay.InactivityTimeout != 5*time.Minute {
		t.Errorf("Relay.InactivityTimeout = %v, want 5m", cfg.Relay.InactivityTimeout)
	}
	if !cfg.Database.IsPostgres() {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validYAML, `"90s"`, `"soon"`, 1)
	_, err := Load(writeConfig(t, "config.yaml", content))
	if err == nil || !strings.Contains(err.Error(), "inactivity_timeout") {
		t.Fatalf("expected inactivity_timeout parse error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server: ServerConfig{Origin: "http://127.0.0.1:8090"},
			Slack:  SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1"},
			Almond: AlmondConfig{URL: "https://almond.example.com", ClientID: "id", ClientSecret: "secret"},
			Auth:   AuthConfig{StateSecret: strings.Repeat("s", 32)},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing bot token", func(c *Config) { c.Slack.BotToken = "" }, "slack.bot_token is required"},
		{"bot token as app token", func(c *Config) { c.Slack.AppToken = "xoxb-1" }, "app-level token"},
		{"missing client secret", func(c *Config) { c.Almond.ClientSecret = "" }, "client_secret"},
		{"short secret", func(c *Config) { c.Auth.StateSecret = "short" }, "at least 32"},
		{"relative almond url", func(c *Config) { c.Almond.URL = "/almond" }, "almond.url"},
		{"bad origin scheme", func(c *Config) { c.Server.Origin = "ftp://x" }, "server.origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("SLACKMOND_CONFIG", "/etc/slackmond.toml")
	if got := DefaultPath(); got != "/etc/slackmond.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("SLACKMOND_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "slackmond", "config.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
