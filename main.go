package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatstream/internal/chat"
	"chatstream/internal/config"
	"chatstream/internal/logger"
	"chatstream/internal/metrics"
	"chatstream/internal/runtime"
	"chatstream/internal/server"
)

func main() {
	// .env is optional, real deployments set variables directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()
	clock := runtime.SystemClock()

	var redisClient *redis.Client
	if cfg.Queue.Backend == "redis" || cfg.Buffer.Backend == "redis" || cfg.Repository.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	col := metrics.NewCollector(registry)

	queue := buildQueue(cfg, redisClient, log)
	buffer := buildBuffer(cfg, redisClient, clock, log)
	repo := buildRepository(cfg, redisClient, clock)
	tracker := chat.NewSessionTracker(clock, log)

	graph, err := buildGraph(ctx, cfg, repo, log)
	if err != nil {
		return err
	}

	executor := chat.NewExecutor(queue, buffer, tracker, repo, graph, col, chat.ExecutorOptions{
		Workers:           cfg.Executor.Workers,
		JobPollTimeout:    cfg.Queue.PollTimeout(),
		ExecTimeout:       cfg.Executor.Timeout(),
		PersistRetryLimit: cfg.Executor.PersistRetryLimit,
		PersistRetryDelay: cfg.Executor.PersistRetryDelay(),
		CleanupGrace:      cfg.Executor.CleanupGrace(),
	}, log)
	executor.Start()

	service := chat.NewService(queue, tracker, repo, col, cfg.Graph.DefaultContextWindow, log)
	relay := chat.NewStreamRelay(buffer, col, chat.RelayOptions{
		PollTimeout:   cfg.Stream.PollTimeout(),
		StreamTimeout: cfg.Stream.Timeout(),
	}, log)

	srv := server.New(service, relay, repo, registry, log)
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv.Router(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("graph", cfg.Graph.Backend).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := queue.Close(); err != nil {
		log.Warn().Err(err).Msg("queue close failed")
	}
	executor.Stop()
	if err := buffer.Close(); err != nil {
		log.Warn().Err(err).Msg("buffer close failed")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func buildQueue(cfg *config.Config, client *redis.Client, log zerolog.Logger) runtime.JobQueue {
	if cfg.Queue.Backend == "redis" {
		return runtime.NewRedisJobQueue(client, cfg.Queue.KeyPrefix, cfg.Queue.MaxSize, log)
	}
	return runtime.NewMemoryJobQueue(cfg.Queue.MaxSize)
}

func buildBuffer(cfg *config.Config, client *redis.Client, clock runtime.Clock, log zerolog.Logger) runtime.EventBuffer {
	if cfg.Buffer.Backend == "redis" {
		return runtime.NewRedisEventBuffer(client, cfg.Buffer.KeyPrefix, cfg.Buffer.TTL(), clock, log)
	}
	return runtime.NewMemoryEventBuffer(runtime.BufferOptions{
		TTL:           cfg.Buffer.TTL(),
		SweepInterval: cfg.Buffer.SweepInterval(),
		Clock:         clock,
		Logger:        log,
	})
}

func buildRepository(cfg *config.Config, client *redis.Client, clock runtime.Clock) chat.Repository {
	if cfg.Repository.Backend == "redis" {
		return chat.NewRedisRepository(client, cfg.Repository.KeyPrefix, clock)
	}
	return chat.NewMemoryRepository(clock)
}

func buildGraph(ctx context.Context, cfg *config.Config, repo chat.Repository, log zerolog.Logger) (chat.GraphRunner, error) {
	switch cfg.Graph.Backend {
	case "echo":
		return chat.NewEchoGraphRunner(cfg.Graph.EchoDelay()), nil
	case "openai":
		return chat.NewModelGraphRunner(ctx, cfg.Graph, repo, log)
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Graph.Backend)
	}
}
