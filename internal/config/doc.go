// Package config handles configuration loading for slackmond.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SLACKMOND_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/slackmond/config.yaml
//  3. ~/.config/slackmond/config.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	slack:
//	  bot_token: "${SLACK_ACCESS_TOKEN}"
//
// After decoding, SLACKMOND_<SECTION>_<KEY> variables override file values,
// for example SLACKMOND_ALMOND_CLIENT_SECRET or SLACKMOND_RELAY_INACTIVITY_TIMEOUT.
//
// # Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  origin: "https://slackmond.example.com"   # used in OAuth redirect URIs
//	database:
//	  url: "slackmond.db"                       # or postgres://...
//	slack:
//	  bot_token: "xoxb-..."
//	  app_token: "xapp-..."
//	almond:
//	  url: "https://almond.stanford.edu"
//	  client_id: "..."
//	  client_secret: "..."
//	relay:
//	  inactivity_timeout: "60s"
//	  dedupe_ttl: "5m"
//	auth:
//	  state_secret: "at-least-32-characters-of-secret"
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text or json
package config
