package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/buerokratt/DMR/pkg/auth"
	"github.com/buerokratt/DMR/pkg/config"
	"github.com/buerokratt/DMR/pkg/directory"
	"github.com/buerokratt/DMR/pkg/queue"
	"github.com/buerokratt/DMR/pkg/ratelimit"
	"github.com/buerokratt/DMR/pkg/registry"
	"github.com/buerokratt/DMR/pkg/relay"
	"github.com/buerokratt/DMR/pkg/statebus"
	"github.com/buerokratt/DMR/pkg/store"
	"github.com/buerokratt/DMR/pkg/stream"
	"github.com/buerokratt/DMR/pkg/telemetry"
	"github.com/buerokratt/DMR/pkg/validate"
)

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openRedisFunc func(ctx context.Context, addr, password string, db int) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadConfigFn    = config.Load
	initTelemetryFn = telemetry.Init
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runServer(loadConfigFn, initTelemetryFn, openRedisFn, listenFn); err != nil {
		logFatalf("dmr: %v", err)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

func runServer(
	loadConfig func() (*config.Config, error),
	initTelemetry initTelemetryFunc,
	openRedis openRedisFunc,
	listen listenFunc,
) error {
	if loadConfig == nil {
		loadConfig = config.Load
	}
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	shutdownTelemetry, err := initTelemetry(ctx, "dmr")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	redisClient, err := openRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	queues := queue.NewManager(redisClient, logger, cfg.QueueTTL, cfg.ValidationFailuresTTL)
	if err := queues.Setup(ctx); err != nil {
		return fmt.Errorf("queue setup: %w", err)
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	dir := directory.New(cfg.DirectoryURL, httpClient, logger)
	if _, err := dir.Refresh(ctx); err != nil {
		// Start with an empty directory and keep polling; every connection
		// attempt fails closed until the first successful refresh.
		logger.Warn().Err(err).Msg("initial directory refresh failed")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
	}

	var bus statebus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		bus = pub
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("lifecycle event export enabled")
	}

	gw := relay.NewGateway(&relay.Gateway{
		Logger:           logger,
		Directory:        dir,
		Verifier:         auth.NewVerifier(dir),
		Validator:        validate.New(dir),
		Queues:           queues,
		Registry:         registry.New(),
		Events:           stream.NewHub(),
		Bus:              bus,
		Limiter:          limiter,
		RateLimitPerConn: cfg.RateLimitPerMinute,
		AllowedOrigins:   splitOrigins(cfg.AllowedOrigins),
	})

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dir.Run(runCtx, cfg.DirectoryPollInterval)

	logger.Info().Str("addr", cfg.Addr).Msg("relay listening")
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-runCtx.Done():
		logger.Info().Msg("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shCtx)
		return nil
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
