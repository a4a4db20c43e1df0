package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txproxy/txproxy/internal/config"
	"github.com/txproxy/txproxy/internal/storage/postgres"
	"github.com/txproxy/txproxy/internal/storage/redislock"
	"github.com/txproxy/txproxy/internal/storage/sqlite"
	"github.com/txproxy/txproxy/pkg/metrics"
)

// NewAdapter constructs the storage.Adapter appropriate for cfg's deployment
// profile and closes over nothing else: callers own the returned Adapter's
// lifecycle (Close).
//
// Lite profile: SQLite persistence + OS file locks, single process.
// Standard profile: PostgreSQL persistence, either native advisory locks or
// a Redis lock service depending on cfg.Storage.LockBackend.
func NewAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ErrInvalidProfile{Profile: string(cfg.Profile), Cause: err}
	}

	logger.Info("initializing storage adapter",
		"profile", cfg.Profile,
		"storage_backend", cfg.Storage.Backend,
		"lock_backend", cfg.Storage.LockBackend,
	)

	switch {
	case cfg.IsLiteProfile():
		adapter, err := newLiteAdapter(ctx, cfg, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: "sqlite", Profile: string(cfg.Profile), Cause: err}
		}
		SetBackendType("sqlite", 1)
		return adapter, nil

	case cfg.IsStandardProfile():
		adapter, err := newStandardAdapter(ctx, cfg, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: "postgres", Profile: string(cfg.Profile), Cause: err}
		}
		SetBackendType("postgres", 2)
		return adapter, nil

	default:
		return nil, &ErrInvalidProfile{Profile: string(cfg.Profile), Cause: fmt.Errorf("unknown deployment profile: %s", cfg.Profile)}
	}
}

func newLiteAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Adapter, error) {
	if cfg.Storage.FilesystemPath == "" {
		return nil, fmt.Errorf("lite profile requires storage.filesystem_path")
	}

	store, err := sqlite.New(ctx, cfg.Storage.FilesystemPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
	}

	locks := sqlite.NewFileLock(filepath.Dir(cfg.Storage.FilesystemPath))

	SetSQLiteFileSize(store.GetFileSize())

	return NewComposite(store, locks), nil
}

func newStandardAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Adapter, error) {
	pgCfg := &postgres.PostgresConfig{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Database,
		User:              cfg.Database.Username,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          int32(cfg.Database.MaxConnections),
		MinConns:          int32(cfg.Database.MinConnections),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: postgres.DefaultConfig().HealthCheckPeriod,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
	}
	if err := pgCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}

	pool := postgres.NewPostgresPool(pgCfg, logger)

	retrier := postgres.NewRetryExecutor(postgres.DefaultRetryConfig(), logger)
	if err := retrier.Execute(ctx, func() error { return pool.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pgAdapter := postgres.NewAdapter(pool, logger)
	if err := pgAdapter.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}

	if cfg.Metrics.Enabled {
		exporter := postgres.NewPrometheusExporter(pool, metrics.DefaultRegistry().Infra().DB)
		exporter.Start(ctx, 10*time.Second)
	}

	switch cfg.Storage.LockBackend {
	case config.LockBackendAdvisory, "":
		return pgAdapter, nil

	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			MinIdleConns:    cfg.Redis.MinIdleConns,
			DialTimeout:     cfg.Redis.DialTimeout,
			ReadTimeout:     cfg.Redis.ReadTimeout,
			WriteTimeout:    cfg.Redis.WriteTimeout,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: cfg.Redis.MinRetryBackoff,
			MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		lockCfg := &redislock.LockConfig{
			TTL:            cfg.Lock.TTL,
			MaxRetries:     cfg.Lock.MaxRetries,
			RetryInterval:  cfg.Lock.RetryInterval,
			AcquireTimeout: cfg.Lock.AcquireTimeout,
			ReleaseTimeout: cfg.Lock.ReleaseTimeout,
			ValuePrefix:    cfg.Lock.ValuePrefix,
		}
		locks := redislock.NewProvider(client, lockCfg, logger, cfg.App.Name)

		return NewComposite(pgAdapter, locks), nil

	default:
		pool.Close()
		return nil, fmt.Errorf("unsupported lock backend for standard profile: %s", cfg.Storage.LockBackend)
	}
}
