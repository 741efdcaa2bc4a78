// Package main is the entry point for modelqd, a daemon that serves
// a set of registered models over HTTP against the configured backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/modelq"
	"github.com/artpar/modelq/adapters/graphql"
	"github.com/artpar/modelq/adapters/idgen"
	"github.com/artpar/modelq/adapters/memory"
	"github.com/artpar/modelq/adapters/metrics"
	"github.com/artpar/modelq/adapters/sqlite"
	"github.com/artpar/modelq/config"
	"github.com/artpar/modelq/signals"
	"github.com/artpar/modelq/web"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelqd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.Default()
	var holder *config.Holder
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *validate {
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Backend: %s\n", cfg.Backend.Kind)
		fmt.Printf("  Listen:  %s\n", cfg.Server.Addr)
		os.Exit(0)
	}

	logger := newLogger(cfg.Logging)

	if *configPath != "" {
		h, err := config.NewHolder(*configPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to watch config")
		}
		holder = h
		defer holder.Stop()
		holder.OnChange(func(next *config.Config) {
			logger = newLogger(next.Logging)
		})
	}

	backend, cleanup, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize backend")
	}
	defer cleanup()

	registry := modelq.NewRegistry()
	bus := signals.NewBus(logger)
	var observer modelq.Observer
	if cfg.Metrics.Enabled {
		observer = metrics.New(prometheus.DefaultRegisterer)
	}
	if err := registerModels(registry, backend, bus, observer); err != nil {
		logger.Fatal().Err(err).Msg("failed to register models")
	}

	if s, ok := backend.(*sqlite.Store); ok {
		ctx := context.Background()
		for _, name := range registry.Names() {
			d, _ := registry.Get(name)
			if err := s.EnsureTable(ctx, d); err != nil {
				logger.Fatal().Err(err).Str("model", name).Msg("failed to create table")
			}
		}
	}

	handler := web.NewHandler(web.Deps{Registry: registry, Logger: logger})

	root := chi.NewRouter()
	root.Use(chimiddleware.RequestID)
	root.Use(chimiddleware.RealIP)
	root.Mount("/api", handler.Router())
	if cfg.Metrics.Enabled {
		root.Handle("/metrics", promhttp.Handler())
	}
	root.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("backend", cfg.Backend.Kind).
			Msg("starting http server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal().Err(err).Msg("server error")
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// buildBackend constructs the backend named by the configuration. The
// returned cleanup releases whatever resources the backend holds.
func buildBackend(cfg *config.Config, logger zerolog.Logger) (modelq.Backend, func(), error) {
	switch cfg.Backend.Kind {
	case "memory":
		return memory.New(memory.WithIDGenerator(idgen.UUID{})), func() {}, nil
	case "sqlite":
		store, err := sqlite.New(cfg.Backend.SQLite.Path,
			sqlite.WithIDGenerator(idgen.UUID{}),
			sqlite.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "graphql":
		client := graphql.NewClient(graphql.ClientConfig{
			Endpoint: cfg.Backend.GraphQL.Endpoint,
			Timeout:  cfg.Backend.GraphQL.Timeout,
			Headers:  cfg.Backend.GraphQL.Headers,
		})
		return graphql.New(client, graphql.WithLogger(logger)), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// registerModels declares the demo schema the daemon serves: authors
// with posts, posts with tags. Replace with your own models when
// embedding the library.
func registerModels(registry *modelq.Registry, backend modelq.Backend, bus modelq.SignalBus, observer modelq.Observer) error {
	author := modelq.NewDescriptor("author", map[string]modelq.Field{
		"id":    modelq.String(),
		"name":  modelq.String().WithRequired(),
		"email": modelq.Email(),
		"posts": modelq.Reverse("post", "author"),
	})
	post := modelq.NewDescriptor("post", map[string]modelq.Field{
		"id":        modelq.String(),
		"title":     modelq.String().WithRequired(),
		"body":      modelq.String(),
		"published": modelq.Bool(),
		"created":   modelq.Date(),
		"author":    modelq.Relation("author"),
		"tags":      modelq.ManyToMany("tag"),
	})
	tag := modelq.NewDescriptor("tag", map[string]modelq.Field{
		"id":   modelq.String(),
		"name": modelq.String().WithRequired(),
	})

	for _, d := range []*modelq.Descriptor{author, post, tag} {
		d.Backend = backend
		d.Signals = bus
		d.Observer = observer
		if err := registry.Register(d); err != nil {
			return err
		}
	}
	return registry.Validate()
}
