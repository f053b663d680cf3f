package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/webinar-backend/internal/auth"
	"github.com/example/webinar-backend/internal/chat"
	"github.com/example/webinar-backend/internal/config"
	"github.com/example/webinar-backend/internal/httpapi"
	"github.com/example/webinar-backend/internal/leader"
	"github.com/example/webinar-backend/internal/presence"
	"github.com/example/webinar-backend/internal/store"
	"github.com/example/webinar-backend/pkg/otelhelper"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(context.Background())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := slog.Default()

	// Google ID-token validator for host login
	validator, err := auth.NewGoogleValidator(cfg.GoogleJWKSURL, cfg.GoogleIssuer, cfg.GoogleAudience)
	if err != nil {
		slog.Error("Failed to initialize Google validator", "error", err)
		os.Exit(1)
	}
	defer validator.Close()

	// Connect to PostgreSQL for the whitelist, profiles and chat history
	var db *sql.DB
	for attempt := 1; attempt <= 30; attempt++ {
		db, err = otelsql.Open("postgres", cfg.DatabaseURL,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL")

	whitelist, err := auth.NewWhitelist(db, 5*time.Minute)
	if err != nil {
		slog.Error("Failed to load whitelist", "error", err)
		os.Exit(1)
	}
	defer whitelist.Close()

	// Connect to NATS
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("webinar-server"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	kv, err := store.NewKV(ctx, js, cfg.ConnTTL())
	if err != nil {
		slog.Error("Failed to create presence buckets", "error", err)
		os.Exit(1)
	}

	svc := presence.NewService(kv, log)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiry)
	profiles := auth.NewProfiles(db)

	relay, err := chat.NewService(db, nc, log)
	if err != nil {
		slog.Error("Failed to create chat service", "error", err)
		os.Exit(1)
	}
	defer relay.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Only the lease holder runs the sweeps
	election, err := leader.New(ctx, js, log, "WEBINAR_LEADER", "sweeper", 30*time.Second, 10*time.Second)
	if err != nil {
		slog.Error("Failed to set up leader election", "error", err)
		os.Exit(1)
	}
	go election.Run(runCtx)

	watcher := presence.NewWatcher(kv, log, cfg.DisconnectCooldown)
	if err := watcher.Start(runCtx); err != nil {
		slog.Error("Failed to start disconnect watcher", "error", err)
		os.Exit(1)
	}

	sweeper := presence.NewSweeper(svc, kv, cfg.Sweep, log, election.IsLeader)
	go sweeper.Run(runCtx)

	server := httpapi.NewServer(cfg, log, svc, tokens, validator, whitelist, profiles, relay)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down webinar server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown failed", "error", err)
	}
	cancel()
	nc.Drain()
}
