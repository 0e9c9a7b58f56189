package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/handler"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/docsearch/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/default.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("docsearch exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("docsearch stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting docsearch",
		"port", cfg.Server.Port,
		"data_file", cfg.Storage.DataFile,
		"index_path", cfg.Storage.IndexPath,
	)

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	opts := []engine.Option{
		engine.WithMetrics(m),
		engine.WithLimit(cfg.Search.MaxResults),
	}

	var redisClient *pkgredis.Client
	var invalidator handler.CacheInvalidator
	if cfg.Redis.Enabled {
		rc, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query caching disabled", "error", err)
		} else {
			redisClient = rc
			defer redisClient.Close()
			qc := cache.New(redisClient, cfg.Redis, m)
			invalidator = qc
			opts = append(opts, engine.WithCache(qc))
			slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	if cfg.Kafka.Enabled && cfg.Kafka.Topics.IndexComplete != "" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
		defer producer.Close()
		opts = append(opts, engine.WithObserver(ingest.NewNotifier(producer)))
		slog.Info("index-complete events enabled", "topic", cfg.Kafka.Topics.IndexComplete)
	}

	eng, err := engine.New(ctx, cfg.Storage, opts...)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	checker := health.NewChecker()
	checker.Register("engine", func(ctx context.Context) health.ComponentHealth {
		if eng.State() != engine.StateReady {
			return health.ComponentHealth{Status: health.StatusDown, Message: eng.State().String()}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d documents", eng.Len()),
		}
	})
	if redisClient != nil {
		checker.Register("redis", health.FromError(health.StatusDegraded, redisClient.Ping))
	}

	mux := http.NewServeMux()
	handler.New(eng, invalidator, cfg.Server.MaxBodyBytes).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Tracing(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, ingest.HandleMessage(eng, m))
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Start(gctx)
		})
		slog.Info("ingest consumer started", "topic", cfg.Kafka.Topics.DocumentIngest)
	}

	runErr := g.Wait()
	if err := eng.Close(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
