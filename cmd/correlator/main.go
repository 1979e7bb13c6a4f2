package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reply-correlator/internal/api"
	"reply-correlator/internal/channel"
	"reply-correlator/internal/config"
	"reply-correlator/internal/correlate"
	"reply-correlator/internal/media"
	"reply-correlator/internal/ratelimit"
	"reply-correlator/internal/reservation"
	"reply-correlator/internal/store"
	"reply-correlator/internal/telemetry"
	"reply-correlator/internal/tracker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisStore, redisClient := reservation.NewRedisStoreFromConfig(cfg)
	defer redisClient.Close()

	var reservations interface {
		correlate.ReservationStore
		api.Reservations
	} = redisStore
	if cfg.ReservationBackend == "postgres" {
		reservations = st
	}
	gate := correlate.NewGate(reservations)
	warmed, err := gate.Warm(ctx)
	if err != nil {
		log.Fatalf("warm reservation cache: %v", err)
	}

	client := channel.New(cfg)
	poller := correlate.NewPoller(cfg, client, gate, correlate.WithLogger(logger))
	dispatcher := correlate.NewDispatcher(client, poller)

	fetcher := media.NewHTTPFetcher(client, cfg)
	trackerOpts := []tracker.Option{tracker.WithLogger(logger)}
	archiver, err := media.NewArchiver(ctx, cfg, fetcher)
	if err != nil {
		log.Fatalf("init artifact archive: %v", err)
	}
	if archiver != nil {
		trackerOpts = append(trackerOpts, tracker.WithArchiver(archiver))
	}
	tr := tracker.New(st, trackerOpts...)

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, dispatcher, tr, fetcher, limiter, reservations)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("correlator listening",
		"port", cfg.HTTPPort,
		"reservation_backend", cfg.ReservationBackend,
		"reserved_ids", warmed,
		"poll_interval", cfg.PollInterval,
		"archive", archiver != nil,
	)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	poller.Stop()
	if err := tr.Close(shutdownCtx); err != nil {
		logger.Warn("tracker shutdown", "error", err)
	}
	logger.Info("correlator stopped", "pending", poller.Registry().Len())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
