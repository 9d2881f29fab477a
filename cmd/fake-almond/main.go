// ABOUTME: Standalone fake Almond server for trying slackmond without a real backend
// ABOUTME: Echoes commands and approves every OAuth login as one demo account

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stanford-oval/slackmond/internal/almond/almondtest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:3000", "listen address")
	user := flag.String("user", "demo", "username every login resolves to")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	backend := almondtest.New(logger)
	backend.AutoApprove(almondtest.Account{
		ID:           "fake-" + *user,
		Username:     *user,
		HumanName:    "Demo User",
		AccessToken:  "access-" + *user,
		RefreshToken: "refresh-" + *user,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           backend,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("fake almond listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
