package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/aiclient"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/config"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/executor"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/outbox"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/pipelinestore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/retry"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/tracing"
)

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func tracingConfig(cfg *config.Config) *tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.OTelEnabled
	tc.OTLPEndpoint = cfg.OTelEndpoint
	tc.SampleRate = cfg.OTelSampleRate
	return tc
}

func retryPolicy(cfg *config.Config) *retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = cfg.RetryMax
	p.BaseDelay = cfg.RetryBaseDelay
	p.MaxDelay = cfg.RetryMaxDelay
	return &p
}

// openPipelineStore selects the pipeline definition backend.
func openPipelineStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipelinestore.Store, error) {
	switch cfg.PipelineStore {
	case "redis":
		s, err := pipelinestore.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis pipeline store: %w", err)
		}
		logger.Info("using Redis pipeline store", slog.String("url", cfg.RedisURL))
		return pipelinestore.NewInstrumented(s, "redis"), nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres pipeline store")
		}
		s, err := pipelinestore.OpenPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres pipeline store: %w", err)
		}
		logger.Info("using Postgres pipeline store")
		return pipelinestore.NewInstrumented(s, "postgres"), nil

	case "memory", "":
		logger.Info("using in-memory pipeline store")
		return pipelinestore.NewInstrumented(pipelinestore.NewMemoryStore(), "memory"), nil

	default:
		return nil, fmt.Errorf("unknown pipeline store %q", cfg.PipelineStore)
	}
}

// openRunStore selects the run event backend. An unreachable Redis falls back
// to memory.
func openRunStore(cfg *config.Config, logger *slog.Logger) runstore.RunStore {
	storeCfg := runstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTL:         cfg.RunStoreTTL,
	}

	if cfg.RunStoreType == "redis" {
		redisCfg := runstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.Store = storeCfg

		redisStore, err := runstore.NewRedisStore(redisCfg, logger)
		if err == nil {
			logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
			return redisStore
		}
		logger.Error("failed to connect to Redis, falling back to memory runstore", "error", err)
	}

	logger.Info("using in-memory runstore")
	return runstore.NewMemoryStore(&storeCfg)
}

// newGenerator returns the ai node backend, or nil when none is configured.
func newGenerator(cfg *config.Config, logger *slog.Logger) (executor.Generator, func(), error) {
	if cfg.AIBaseURL == "" {
		logger.Info("no generation backend configured; ai nodes will fail")
		return nil, func() {}, nil
	}

	client, err := aiclient.New(aiclient.Config{
		BaseURL:   cfg.AIBaseURL,
		APIKey:    cfg.AIAPIKey,
		Timeout:   cfg.AITimeout,
		RateLimit: cfg.AIRateLimitRPS,
		Burst:     cfg.AIRateLimitBurst,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create generation client: %w", err)
	}
	logger.Info("using generation backend", slog.String("url", cfg.AIBaseURL))
	return client, client.Close, nil
}

// newDispatcher wires the collaborators that receive emit and store outputs.
func newDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*outbox.Dispatcher, func(), error) {
	var bus outbox.Bus
	switch cfg.EventBus {
	case "redis":
		rb, err := outbox.NewRedisBus(ctx, cfg.RedisURL, cfg.EventChannel)
		if err != nil {
			return nil, nil, fmt.Errorf("open event bus: %w", err)
		}
		bus = rb
	default:
		bus = outbox.NewLogBus(logger)
	}

	var artifacts outbox.ArtifactStore
	switch cfg.ArtifactBackend {
	case "s3":
		s3a, err := outbox.NewS3Artifacts(ctx, &outbox.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PathPrefix:      "pipelines",
		})
		if err != nil {
			bus.Close()
			return nil, nil, fmt.Errorf("open artifact store: %w", err)
		}
		artifacts = s3a
	default:
		artifacts = outbox.NewMemoryArtifacts()
	}

	logger.Info("outbox configured",
		slog.String("event_bus", cfg.EventBus),
		slog.String("artifacts", cfg.ArtifactBackend),
	)
	return outbox.NewDispatcher(bus, artifacts, logger), func() { bus.Close() }, nil
}
