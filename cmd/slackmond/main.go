// ABOUTME: Entry point for the slackmond relay between Slack and Almond
// ABOUTME: Cobra commands for serving, writing a starter config and probing health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stanford-oval/slackmond/internal/config"
	"github.com/stanford-oval/slackmond/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _            _                            _
  ___| | __ _  ___| | ___ __ ___   ___  _ __   __| |
 / __| |/ _' |/ __| |/ / '_ ' _ \ / _ \| '_ \ / _' |
 \__ \ | (_| | (__|   <| | | | | | (_) | | | | (_| |
 |___/_|\__,_|\___|_|\_\_| |_| |_|\___/|_| |_|\__,_|
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "slackmond",
		Short:         "Relay Slack conversations to the Almond virtual assistant",
		Long:          color.CyanString(banner) + "\nslackmond connects a Slack workspace to an Almond server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the relay",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				return runServe(ctx, configPath)
			},
		},
		newInitCmd(&configPath),
		&cobra.Command{
			Use:   "health",
			Short: "Check a running relay's health endpoint",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runHealth(cmd.Context(), cmd.OutOrStdout(), configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "slackmond %s\n", version)
			},
		},
	)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Origin:   %s\n", cfg.Server.Origin)
	green.Print("    ▶ ")
	fmt.Printf("Almond:   %s\n", cfg.Almond.URL)
	green.Print("    ▶ ")
	if cfg.Database.IsPostgres() {
		fmt.Println("Database: postgres")
	} else {
		fmt.Printf("Database: %s\n", cfg.Database.URL)
	}
	fmt.Println()

	logger.Info("starting slackmond",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"almond_url", cfg.Almond.URL,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Fprint(out, string(body))
	return nil
}

func newInitCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with a fresh state secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), *configPath, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

const starterConfig = `# slackmond configuration
# Generated by slackmond init

server:
  http_addr: %q
  # Public URL of this server; Almond redirects here after login.
  origin: %q

database:
  # A SQLite path, or a postgres:// URL.
  url: %q

slack:
  bot_token: "${SLACK_BOT_TOKEN}"
  app_token: "${SLACK_APP_TOKEN}"

almond:
  url: %q
  client_id: "${ALMOND_CLIENT_ID}"
  client_secret: "${ALMOND_CLIENT_SECRET}"

relay:
  inactivity_timeout: "60s"
  dedupe_ttl: "5m"

auth:
  state_secret: %q

logging:
  level: "info"
  format: "text"
`

func runInit(out io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating state secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dbPath := filepath.Join(filepath.Dir(path), config.DefaultDatabaseURL)
	content := fmt.Sprintf(starterConfig,
		config.DefaultHTTPAddr,
		config.DefaultServerOrigin,
		dbPath,
		config.DefaultAlmondURL,
		base64.StdEncoding.EncodeToString(secret),
	)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Created config: %s\n", path)
	fmt.Fprintln(out, "\nSet SLACK_BOT_TOKEN, SLACK_APP_TOKEN, ALMOND_CLIENT_ID and ALMOND_CLIENT_SECRET, then run:")
	fmt.Fprintln(out, "  slackmond serve")
	return nil
}
