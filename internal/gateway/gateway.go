// ABOUTME: Gateway orchestrator that owns the store, Slack client, dispatcher and HTTP server
// ABOUTME: Runs the Slack loop and the HTTP listener together and tears both down on shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stanford-oval/slackmond/internal/almond"
	"github.com/stanford-oval/slackmond/internal/auth"
	"github.com/stanford-oval/slackmond/internal/config"
	"github.com/stanford-oval/slackmond/internal/relay"
	"github.com/stanford-oval/slackmond/internal/slackbot"
	"github.com/stanford-oval/slackmond/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	identifyTimeout = 15 * time.Second
)

// chatService is the Slack side as the gateway uses it.
type chatService interface {
	relay.ChatClient
	Run(ctx context.Context, handle slackbot.Handler) error
}

// Gateway orchestrates the slackmond components.
type Gateway struct {
	config     *config.Config
	store      store.UserStore
	chat       chatService
	almond     *almond.Client
	dispatcher *relay.Dispatcher
	states     *auth.StateSigner
	httpServer *http.Server
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// deps are the externally connected pieces New builds and tests replace.
type deps struct {
	store    store.UserStore
	chat     chatService
	identity slackbot.Identity
}

// initStore opens the configured database.
func initStore(cfg *config.Config) (*store.SQLStore, error) {
	s, err := store.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// New connects to the database and Slack and builds a Gateway.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bot, err := slackbot.New(slackbot.Config{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
		APIURL:   cfg.Slack.APIURL,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating slack client: %w", err)
	}

	idCtx, cancel := context.WithTimeout(ctx, identifyTimeout)
	defer cancel()
	identity, err := bot.Identify(idCtx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("slack identity", "bot_user_id", identity.UserID, "team_id", identity.TeamID)

	return newGateway(cfg, deps{store: s, chat: bot, identity: identity}, logger), nil
}

func newGateway(cfg *config.Config, d deps, logger *slog.Logger) *Gateway {
	oauthCfg := almond.OAuthConfig(cfg.Almond.URL, cfg.Almond.ClientID, cfg.Almond.ClientSecret, cfg.Server.Origin+redirectPath)
	almondClient := almond.NewClient(cfg.Almond.URL, oauthCfg, nil)
	refresher := almond.NewRefresher(almondClient, d.store, logger)

	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		TeamID:            d.identity.TeamID,
		BotUserID:         d.identity.UserID,
		AlmondURL:         cfg.Almond.URL,
		ServerOrigin:      cfg.Server.Origin,
		InactivityTimeout: cfg.Relay.InactivityTimeout,
		DedupeTTL:         cfg.Relay.DedupeTTL,
	}, d.store, d.chat, refresher, logger)

	gw := &Gateway{
		config:     cfg,
		store:      d.store,
		chat:       d.chat,
		almond:     almondClient,
		dispatcher: dispatcher,
		states:     auth.NewStateSigner([]byte(cfg.Auth.StateSecret), auth.DefaultStateTTL),
		logger:     logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Dispatcher exposes the relay dispatcher.
func (g *Gateway) Dispatcher() *relay.Dispatcher {
	return g.dispatcher
}

// Run serves Slack events and HTTP until ctx is cancelled or either side
// fails. It returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.close()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := g.chat.Run(ctx, g.dispatcher.OnChatEvent); err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})

	runErr := eg.Wait()
	if runErr != nil {
		g.logger.Error("server error", "error", runErr)
	}
	closeErr := g.close()

	if runErr != nil {
		return runErr
	}
	return closeErr
}

// Shutdown stops the HTTP server and releases every component. It is for
// callers that built a Gateway without running it; Run cleans up by itself.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Gateway) close() error {
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.dispatcher.Close()
		if err := g.store.Close(); err != nil {
			g.closeErr = fmt.Errorf("store close: %w", err)
		}
	})
	return g.closeErr
}
