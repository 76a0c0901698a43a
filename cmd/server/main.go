package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/RichardoC/padi-chat/internal/api"
	"github.com/RichardoC/padi-chat/internal/config"
	"github.com/RichardoC/padi-chat/internal/conversation"
	"github.com/RichardoC/padi-chat/internal/db"
	"github.com/RichardoC/padi-chat/internal/docstore"
	"github.com/RichardoC/padi-chat/internal/llm"
	"github.com/RichardoC/padi-chat/internal/metrics"
	"github.com/RichardoC/padi-chat/internal/queue"
	"github.com/RichardoC/padi-chat/internal/users"
	"github.com/RichardoC/padi-chat/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when empty")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config, if present")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	docs := docstore.New(backend, logger)
	defer func() { err = multierr.Append(err, docs.Close()) }()

	provider, err := llm.New(cfg.Provider, logger)
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}

	var (
		m   *metrics.Metrics
		mux = http.NewServeMux()
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	var estimator queue.Estimator = queue.FixedEstimator(cfg.Queue.EstimateBase)
	if cfg.Queue.Tokenizer != "" {
		estimator = queue.NewTokenEstimator(cfg.Queue.Tokenizer, cfg.Queue.EstimateBase, cfg.Queue.EstimatePerToken, logger)
	}

	w := worker.New(
		conversation.New(docs, logger),
		queue.New(docs, logger, queue.WithEstimator(estimator)),
		provider,
		m,
		worker.Options{
			Model:        cfg.Provider.Model,
			Timeout:      cfg.Provider.Timeout,
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval,
		},
		logger,
	)
	api.NewHandler(w, users.New(docs, logger), logger).Routes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr), zap.String("provider", cfg.Provider.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		stop()
	case err = <-workerDone:
		stop()
		if err == nil {
			err = errors.New("worker stopped unexpectedly")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Append(err, srv.Shutdown(shutdownCtx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, srv.Shutdown(shutdownCtx))

	select {
	case werr := <-workerDone:
		err = multierr.Append(err, werr)
	case <-shutdownCtx.Done():
		err = multierr.Append(err, errors.New("timed out waiting for in-flight generations"))
	}
	return err
}

func openBackend(cfg config.StorageConfig) (docstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		database, err := db.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing database %q: %w", cfg.Path, err)
		}
		return database, nil
	default:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return docstore.NewFileBackend(cfg.Path), nil
	}
}
