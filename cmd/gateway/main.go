// Command gateway runs the prompt gateway server.
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
	"golang.org/x/term"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/gateway"
	"github.com/promptgate/promptgate/internal/monitoring"
	"github.com/promptgate/promptgate/internal/providers"
	"github.com/promptgate/promptgate/internal/quota"
)

func main() {
	var (
		configPath string
		port       int
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.IntVar(&port, "port", 0, "listen port (overrides config)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	setupLogging(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	registry := providers.NewRegistry()
	if p, ok := cfg.Providers["gemini"]; ok && p.APIKey != "" {
		registry.Register(providers.NewGemini(p))
	}
	if p, ok := cfg.Providers["perplexity"]; ok && p.APIKey != "" {
		registry.Register(providers.NewPerplexity(p))
	}
	if len(registry.Names()) == 0 {
		log.Fatal().Msg("no providers configured, set GEMINI_API_KEY or PERPLEXITY_API_KEY")
	}

	scopes := map[quota.Scope]quota.WindowConfig{
		quota.ScopeGlobal: {Duration: cfg.Quota.Global.Duration, MaxRequests: cfg.Quota.Global.MaxRequests},
	}
	for name, w := range cfg.Quota.Providers {
		scopes[quota.Scope(name)] = quota.WindowConfig{Duration: w.Duration, MaxRequests: w.MaxRequests}
	}
	limiter := quota.NewLimiter(scopes)
	defer limiter.Stop()

	metrics := monitoring.NewMetricsCollector()

	var events *monitoring.EventStore
	if cfg.Monitoring.EventDBPath != "" {
		events, err = monitoring.OpenEventStore(cfg.Monitoring.EventDBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Monitoring.EventDBPath).Msg("failed to open event store")
		}
		defer func() { _ = events.Close() }()
	}

	g := gateway.New(cfg, registry, limiter, metrics, events)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Strs("providers", registry.Names()).
			Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	log.Info().Str("summary", metrics.Summary()).Msg("gateway stopped")
}

func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
