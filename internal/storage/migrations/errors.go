package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MigrationError represents a migration error
type MigrationError struct {
	Operation string
	Version   int64
	Cause     error
	Timestamp time.Time
	Context   map[string]any
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed at version %d: %v", e.Operation, e.Version, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// ErrorHandler handles migration errors
type ErrorHandler struct {
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, maxRetries int, retryDelay time.Duration) *ErrorHandler {
	return &ErrorHandler{
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// HandleError handles a migration error
func (eh *ErrorHandler) HandleError(ctx context.Context, err error, operation string, version int64) error {
	migrationErr := &MigrationError{
		Operation: operation,
		Version:   version,
		Cause:     err,
		Timestamp: time.Now(),
		Context: map[string]any{
			"operation": operation,
			"version":   version,
			"timestamp": time.Now(),
		},
	}

	// log the error
	eh.logger.Error("Migration error",
		"operation", operation,
		"version", version,
		"error", err,
		"timestamp", migrationErr.Timestamp)

	// check whether the error is retryable
	if eh.isRetryable(err) {
		eh.logger.Info("Error is retryable, attempting recovery",
			"operation", operation,
			"version", version)
	}

	return migrationErr
}

// ExecuteWithRetry runs an operation with retries
func (eh *ErrorHandler) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= eh.maxRetries; attempt++ {
		if attempt > 0 {
			eh.logger.Info("Retrying migration operation",
				"attempt", attempt,
				"max_retries", eh.maxRetries)

			select {
			case <-time.After(eh.retryDelay):
				// continue after the delay
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := operation(); err != nil {
			lastErr = err

			// check whether the attempt can be retried
			if !eh.isRetryable(err) {
				break
			}

			eh.logger.Warn("Migration operation failed, retrying",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		// succeeded
		if attempt > 0 {
			eh.logger.Info("Migration operation succeeded after retry",
				"attempts", attempt+1)
		}
		return nil
	}

	eh.logger.Error("Migration operation failed after all retries",
		"max_retries", eh.maxRetries,
		"last_error", lastErr)

	return lastErr
}

// isRetryable reports whether the operation can be retried for this error
func (eh *ErrorHandler) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// list of patterns for retryable errors
	retryablePatterns := []string{
		// Network errors
		"connection refused",
		"connection reset",
		"connection lost",
		"timeout",
		"deadline exceeded",

		// Database lock errors
		"lock wait timeout",
		"deadlock",
		"serialization failure",
		"could not serialize access",

		// Temporary errors
		"temporary failure",
		"service unavailable",
		"server closed the connection unexpectedly",

		// Resource errors
		"too many connections",
		"out of memory",
		"disk full",

		// PostgreSQL specific
		"pq: ",     // PostgreSQL driver errors
		"sqlstate", // PostgreSQL error codes
		"current transaction is aborted",

		// SQLite specific
		"database is locked",
		"database busy",
		"interrupted",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	// check standard errors
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// RecoveryHandler handles recovery after errors
type RecoveryHandler struct {
	logger  *slog.Logger
	manager *MigrationManager
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(logger *slog.Logger, manager *MigrationManager) *RecoveryHandler {
	return &RecoveryHandler{
		logger:  logger,
		manager: manager,
	}
}

// ExecuteWithRecovery runs an operation with automatic recovery
func (rh *RecoveryHandler) ExecuteWithRecovery(ctx context.Context, operation func() error) error {
	// first try running the operation
	if err := operation(); err != nil {
		rh.logger.Warn("Operation failed, attempting recovery", "error", err)

		// try to recover
		if recoveryErr := rh.attemptRecovery(ctx, err); recoveryErr != nil {
			rh.logger.Error("Recovery failed", "original_error", err, "recovery_error", recoveryErr)
			return fmt.Errorf("operation failed and recovery unsuccessful: %w", recoveryErr)
		}

		// retry the operation after recovery
		rh.logger.Info("Recovery successful, retrying operation")
		if err := operation(); err != nil {
			rh.logger.Error("Operation failed again after recovery", "error", err)
			return err
		}
	}

	rh.logger.Info("Operation completed successfully")
	return nil
}

// attemptRecovery tries to recover from an error
func (rh *RecoveryHandler) attemptRecovery(ctx context.Context, err error) error {
	errStr := strings.ToLower(err.Error())

	// different recovery strategies for different error types
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return rh.recoverConnection(ctx)
	}

	if strings.Contains(errStr, "lock") || strings.Contains(errStr, "deadlock") {
		return rh.recoverLock(ctx)
	}

	if strings.Contains(errStr, "disk") || strings.Contains(errStr, "space") {
		return rh.recoverDiskSpace(ctx)
	}

	// for unknown errors, fall back to a simple reconnect
	return rh.recoverGeneric(ctx)
}

// recoverConnection restores the connection
func (rh *RecoveryHandler) recoverConnection(ctx context.Context) error {
	rh.logger.Info("Attempting connection recovery")

	// close the current connection
	if err := rh.manager.Disconnect(ctx); err != nil {
		rh.logger.Warn("Failed to disconnect during recovery", "error", err)
	}

	// wait a bit
	time.Sleep(2 * time.Second)

	// try reconnecting
	if err := rh.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	rh.logger.Info("Connection recovery successful")
	return nil
}

// recoverLock recovers from lock contention
func (rh *RecoveryHandler) recoverLock(ctx context.Context) error {
	rh.logger.Info("Attempting lock recovery")

	// for locks, just wait
	time.Sleep(5 * time.Second)

	rh.logger.Info("Lock recovery completed")
	return nil
}

// recoverDiskSpace recovers from disk space issues
func (rh *RecoveryHandler) recoverDiskSpace(ctx context.Context) error {
	rh.logger.Warn("Disk space issue detected - manual intervention required")

	// for disk issues we can only log
	// a real application could trigger cleanup here
	return fmt.Errorf("disk space issue requires manual intervention")
}

// recoverGeneric attempts a generic recovery
func (rh *RecoveryHandler) recoverGeneric(ctx context.Context) error {
	rh.logger.Info("Attempting generic recovery")

	// a simple reconnect
	return rh.recoverConnection(ctx)
}

// CircuitBreaker implements the circuit breaker pattern for migrations
type CircuitBreaker struct {
	state        string // "closed", "open", "half-open"
	failureCount int
	lastFailure  time.Time
	threshold    int
	timeout      time.Duration
	resetTimeout time.Duration
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(threshold int, timeout, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:        "closed",
		threshold:    threshold,
		timeout:      timeout,
		resetTimeout: resetTimeout,
	}
}

// Call runs an operation through the circuit breaker
func (cb *CircuitBreaker) Call(operation func() error) error {
	if cb.state == "open" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "half-open"
			cb.logInfo("Circuit breaker moving to half-open state")
		} else {
			return fmt.Errorf("circuit breaker is open")
		}
	}

	err := operation()

	if err != nil {
		cb.failureCount++
		cb.lastFailure = time.Now()

		if cb.failureCount >= cb.threshold {
			cb.state = "open"
			cb.logWarn("Circuit breaker opened", "failures", cb.failureCount)
		}
		return err
	}

	// succeeded
	if cb.state == "half-open" {
		cb.state = "closed"
		cb.failureCount = 0
		cb.logInfo("Circuit breaker closed after successful operation")
	} else {
		cb.failureCount = 0
	}

	return nil
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() string {
	return cb.state
}

// Reset resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.state = "closed"
	cb.failureCount = 0
	cb.logInfo("Circuit breaker manually reset")
}

// logger is a convenience accessor (a real version would have a logger injected)
func (cb *CircuitBreaker) logger() *slog.Logger {
	return slog.Default()
}

// logInfo logs an informational message
func (cb *CircuitBreaker) logInfo(msg string, args ...any) {
	logger := cb.logger()
	logger.Info(msg, args...)
}

// logWarn logs a warning
func (cb *CircuitBreaker) logWarn(msg string, args ...any) {
	logger := cb.logger()
	logger.Warn(msg, args...)
}
