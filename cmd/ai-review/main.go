// Package main is the ai-review orchestrator server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tony-jang/ai-review/internal/config"
	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/gitdiff"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/internal/server"
	"github.com/tony-jang/ai-review/internal/session"
	"github.com/tony-jang/ai-review/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	port := flag.Int("port", 0, "Server bind port (overrides config)")
	dataDir := flag.String("data-dir", "", "Storage root (default: ~/.ai-review)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	// Optional .env for operator convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.Port = *port
		cfg.Host = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	bus := events.NewBus(256, cfg.MaxSSESubscribers)
	run := runner.New(runner.Options{
		Deadline:        cfg.ReviewDeadline,
		StopGrace:       cfg.StopGrace,
		MaxProcesses:    cfg.MaxSubprocesses,
		RingBufferBytes: cfg.RuntimeBufferBytes,
		ActivityLimit:   cfg.ActivityBufferSize,
	}, bus)
	reader := gitdiff.NewReader()

	manager, err := session.NewManager(cfg, st, bus, run, reader)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to restore sessions")
	}

	presetsWatcher, err := manager.WatchPresets()
	if err != nil {
		log.Warn().Err(err).Msg("presets watcher unavailable")
	} else {
		defer presetsWatcher.Stop()
	}

	svc := server.New(cfg, manager, bus)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("version", Version).Str("data_dir", cfg.DataDir).Msg("ai-review server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
