package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/api"
	"github.com/bozzfozz/soulspot-sub007/internal/breaker"
	"github.com/bozzfozz/soulspot-sub007/internal/config"
	"github.com/bozzfozz/soulspot-sub007/internal/engine"
	"github.com/bozzfozz/soulspot-sub007/internal/events"
	"github.com/bozzfozz/soulspot-sub007/internal/logger"
	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

func main() {
	var (
		dbPath = flag.String("db", "soulspot.db", "path to the sqlite database")
		addr   = flag.String("addr", ":8080", "HTTP listen address")
		logDir = flag.String("logs", "logs", "directory for JSON log output")
	)
	flag.Parse()

	log, err := logger.New(*logDir, os.Stdout)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	store, err := storage.Open(*dbPath)
	if err != nil {
		log.Error("failed to open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cfg := config.NewManager(store)
	seedFromEnv(cfg)

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold(),
		RecoveryTimeout:  cfg.BreakerRecovery(),
		Countable:        slskd.Countable,
		OnStateChange: func(from, to breaker.State) {
			log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	client := slskd.NewGuarded(
		slskd.NewHTTPClient(log, cfg.SlskdURL(), cfg.SlskdAPIKey(), cfg.SlskdRPS()),
		br,
	)

	bus := events.NewBus(log)
	eng := engine.New(log, store, client, br, cfg, bus)

	server := api.NewServer(log, store, cfg, bus, client, br, eng.Heartbeats())
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	go func() {
		log.Info("http server listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}

	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped with error", "error", err)
	}

	if err := store.Checkpoint(); err != nil {
		log.Warn("wal checkpoint failed", "error", err)
	}
	log.Info("shutdown complete")
}

// seedFromEnv copies deployment settings into the database on boot so
// containers can configure the downloader without touching the API.
func seedFromEnv(cfg *config.Manager) {
	for env, key := range map[string]string{
		"SLSKD_URL":     config.KeySlskdURL,
		"SLSKD_API_KEY": config.KeySlskdAPIKey,
		"MUSIC_ROOT":    config.KeyMusicRoot,
	} {
		if v := os.Getenv(env); v != "" {
			_ = cfg.SetString(key, v)
		}
	}
}
