package redislock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txproxy/txproxy/internal/storage"
)

// Provider implements storage.LockProvider on top of Redis SET-NX locks,
// the alternate lock mechanism for the Standard deployment profile when
// PostgreSQL advisory locks are not available (e.g. a separate lock
// service shared by processes that don't all speak Postgres).
type Provider struct {
	redis  *redis.Client
	config *LockConfig
	logger *slog.Logger
	prefix string
}

// NewProvider wraps a connected redis.Client as a storage.LockProvider.
// prefix namespaces lock keys (e.g. "txproxy") so multiple deployments can
// share a Redis instance without key collisions.
func NewProvider(client *redis.Client, config *LockConfig, logger *slog.Logger, prefix string) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "txproxy"
	}
	return &Provider{redis: client, config: config, logger: logger, prefix: prefix}
}

func (p *Provider) lockKey(kind storage.LockKind, name string) string {
	return p.prefix + ":lock:" + string(kind) + ":" + name
}

func (p *Provider) withLock(ctx context.Context, kind storage.LockKind, name string, suspend bool, fn func(context.Context) error) error {
	key := p.lockKey(kind, name)
	dl := NewDistributedLock(p.redis, key, p.config, p.logger)

	var acquired bool
	var err error
	if suspend {
		acquired, err = dl.AcquireWithRetry(ctx, maxRetries(p.config))
	} else {
		acquired, err = dl.Acquire(ctx)
	}
	if err != nil {
		return &storage.LockError{Kind: kind, Name: name, Cause: err}
	}
	if !acquired {
		return &storage.LockError{Kind: kind, Name: name, Cause: errors.New("lock held by another process")}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout(p.config))
		defer cancel()
		if err := dl.Release(releaseCtx); err != nil {
			p.logger.Warn("failed to release redis lock", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}

func maxRetries(cfg *LockConfig) int {
	if cfg == nil {
		return 3
	}
	return cfg.MaxRetries
}

func releaseTimeout(cfg *LockConfig) time.Duration {
	if cfg == nil || cfg.ReleaseTimeout <= 0 {
		return 2 * time.Second
	}
	return cfg.ReleaseTimeout
}

func (p *Provider) WithGlobalLock(ctx context.Context, suspend bool, fn func(context.Context) error) error {
	return p.withLock(ctx, storage.LockKindGlobal, "global", suspend, fn)
}

func (p *Provider) WithTransactionLock(ctx context.Context, txID string, suspend bool, fn func(context.Context) error) error {
	return p.withLock(ctx, storage.LockKindTransaction, txID, suspend, fn)
}

func (p *Provider) WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn func(context.Context) error) error {
	return p.withLock(ctx, storage.LockKindObject, objectKey, suspend, fn)
}

var _ storage.LockProvider = (*Provider)(nil)
