package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock represents a distributed lock backed by Redis
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// LockConfig holds configuration for a distributed lock
type LockConfig struct {
	// TTL for automatic lock release
	TTL time.Duration `env:"LOCK_TTL" default:"30s"`

	// Retry settings
	MaxRetries    int           `env:"LOCK_MAX_RETRIES" default:"3"`
	RetryInterval time.Duration `env:"LOCK_RETRY_INTERVAL" default:"100ms"`

	// Timeout for operations
	AcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT" default:"5s"`
	ReleaseTimeout time.Duration `env:"LOCK_RELEASE_TIMEOUT" default:"2s"`

	// Settings for generating the unique value
	ValuePrefix string `env:"LOCK_VALUE_PREFIX" default:"lock"`
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(redis *redis.Client, key string, config *LockConfig, logger *slog.Logger) *DistributedLock {
	if config == nil {
		config = &LockConfig{
			TTL:            30 * time.Second,
			MaxRetries:     3,
			RetryInterval:  100 * time.Millisecond,
			AcquireTimeout: 5 * time.Second,
			ReleaseTimeout: 2 * time.Second,
			ValuePrefix:    "lock",
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// generate a unique value for the lock
	value := generateLockValue(config.ValuePrefix)

	return &DistributedLock{
		redis:  redis,
		key:    key,
		value:  value,
		ttl:    config.TTL,
		logger: logger,
	}
}

// generateLockValue generates a unique value for the lock
func generateLockValue(prefix string) string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// fall back to timestamp + random
		return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), time.Now().Unix())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
}

// Acquire tries to obtain the lock
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	return l.AcquireWithRetry(ctx, 0)
}

// AcquireWithRetry tries to obtain the lock, retrying on failure
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries < 0 {
		maxRetries = 0 // negative counts as no retries
	}

	l.logger.Debug("Attempting to acquire lock", "key", l.key, "value", l.value, "ttl", l.ttl)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// create a timeout context for the operation
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)
		defer cancel()

		// use SET NX to atomically acquire the lock
		result, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		if err != nil {
			l.logger.Error("Failed to acquire lock", "key", l.key, "attempt", attempt+1, "error", err)
			if attempt == maxRetries {
				return false, fmt.Errorf("failed to acquire lock after %d attempts: %w", maxRetries+1, err)
			}
			time.Sleep(l.retryInterval(attempt))
			continue
		}

		if result {
			l.acquired = true
			l.logger.Info("Lock acquired successfully", "key", l.key, "value", l.value, "ttl", l.ttl)
			return true, nil
		}

		l.logger.Debug("Lock already held by another process", "key", l.key, "attempt", attempt+1)
		if attempt == maxRetries {
			return false, nil
		}

		time.Sleep(l.retryInterval(attempt))
	}

	return false, nil
}

// Release releases the lock
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		l.logger.Warn("Attempting to release lock that was not acquired", "key", l.key)
		return nil
	}

	l.logger.Debug("Releasing lock", "key", l.key, "value", l.value)

	// Lua script for atomically releasing the lock
	// check the value matches (guards against releasing someone else's lock)
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	// create a timeout context for the operation
	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, script, []string{l.key}, l.value).Result()
	if err != nil {
		l.logger.Error("Failed to release lock", "key", l.key, "error", err)
		return fmt.Errorf("failed to release lock: %w", err)
	}

	// check the result
	if result.(int64) == 1 {
		l.acquired = false
		l.logger.Info("Lock released successfully", "key", l.key)
		return nil
	}

	l.logger.Warn("Lock was not released (possibly already expired or held by another process)", "key", l.key)
	return nil
}

// Extend prolongs the lock's lifetime
func (l *DistributedLock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("cannot extend lock that was not acquired")
	}

	l.logger.Debug("Extending lock", "key", l.key, "newTTL", newTTL)

	// Lua script for atomically extending the lock
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, script, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		l.logger.Error("Failed to extend lock", "key", l.key, "error", err)
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	if result.(int64) == 1 {
		l.ttl = newTTL
		l.logger.Info("Lock extended successfully", "key", l.key, "newTTL", newTTL)
		return nil
	}

	return fmt.Errorf("failed to extend lock (possibly already expired or held by another process)")
}

// IsAcquired reports whether the lock is held
func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// GetKey returns the lock's key
func (l *DistributedLock) GetKey() string {
	return l.key
}

// GetValue returns the lock's value
func (l *DistributedLock) GetValue() string {
	return l.value
}

// GetTTL returns the lock's TTL
func (l *DistributedLock) GetTTL() time.Duration {
	return l.ttl
}

// retryInterval computes the interval between retry attempts
func (l *DistributedLock) retryInterval(attempt int) time.Duration {
	// Linear backoff with jitter
	baseInterval := 100 * time.Millisecond
	interval := time.Duration(attempt+1) * baseInterval

	// add random jitter (±25%)
	jitter := time.Duration(float64(interval) * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1))
	return interval + jitter
}

// LockManager manages multiple locks
type LockManager struct {
	redis  *redis.Client
	config *LockConfig
	logger *slog.Logger
	locks  map[string]*DistributedLock
}

// NewLockManager creates a new lock manager
func NewLockManager(redis *redis.Client, config *LockConfig, logger *slog.Logger) *LockManager {
	if config == nil {
		config = &LockConfig{
			TTL:            30 * time.Second,
			MaxRetries:     3,
			RetryInterval:  100 * time.Millisecond,
			AcquireTimeout: 5 * time.Second,
			ReleaseTimeout: 2 * time.Second,
			ValuePrefix:    "lock",
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &LockManager{
		redis:  redis,
		config: config,
		logger: logger,
		locks:  make(map[string]*DistributedLock),
	}
}

// AcquireLock creates and acquires a new lock
func (lm *LockManager) AcquireLock(ctx context.Context, key string) (*DistributedLock, error) {
	lock := NewDistributedLock(lm.redis, key, lm.config, lm.logger)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock for key: %s", key)
	}

	lm.locks[key] = lock
	return lock, nil
}

// ReleaseLock releases a lock
func (lm *LockManager) ReleaseLock(ctx context.Context, key string) error {
	lock, exists := lm.locks[key]
	if !exists {
		lm.logger.Warn("Attempting to release lock that was not managed", "key", key)
		return nil
	}

	err := lock.Release(ctx)
	if err != nil {
		return err
	}

	delete(lm.locks, key)
	return nil
}

// ReleaseAll releases all managed locks
func (lm *LockManager) ReleaseAll(ctx context.Context) error {
	var lastErr error

	for key, lock := range lm.locks {
		if err := lock.Release(ctx); err != nil {
			lm.logger.Error("Failed to release lock", "key", key, "error", err)
			lastErr = err
		}
	}

	lm.locks = make(map[string]*DistributedLock)
	return lastErr
}

// GetLock returns the lock for a key
func (lm *LockManager) GetLock(key string) (*DistributedLock, bool) {
	lock, exists := lm.locks[key]
	return lock, exists
}

// ListLocks returns the keys of all managed locks
func (lm *LockManager) ListLocks() []string {
	keys := make([]string, 0, len(lm.locks))
	for key := range lm.locks {
		keys = append(keys, key)
	}
	return keys
}

// Close releases all locks and cleans up resources
func (lm *LockManager) Close(ctx context.Context) error {
	return lm.ReleaseAll(ctx)
}
