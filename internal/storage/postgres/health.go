package postgres

import (
	"context"
	"time"
)

// HealthChecker defines an interface for checking connection pool health
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
	GetStats() PoolStats
	IsHealthy() bool
	LastCheckTime() time.Time
}

// DefaultHealthChecker checks health using a simple SQL query
type DefaultHealthChecker struct {
	pool      *PostgresPool
	lastCheck time.Time
	isHealthy bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(pool *PostgresPool) HealthChecker {
	return &DefaultHealthChecker{
		pool:      pool,
		lastCheck: time.Now(),
		isHealthy: false,
	}
}

// CheckHealth checks the health of the database connection
func (h *DefaultHealthChecker) CheckHealth(ctx context.Context) error {
	// create a timeout context for the health check
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// run a simple query to verify the connection
	rows, err := h.pool.pool.Query(checkCtx, "SELECT 1")
	if err != nil {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return err
	}
	defer rows.Close()

	// verify the query returned a result
	if !rows.Next() {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return ErrHealthCheckFailed
	}

	var result int
	if err := rows.Scan(&result); err != nil {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return err
	}

	// verify the result is correct
	if result != 1 {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return ErrHealthCheckFailed
	}

	h.pool.metrics.RecordHealthCheck(true)
	h.isHealthy = true
	h.lastCheck = time.Now()
	return nil
}

// GetStats returns the current pool statistics
func (h *DefaultHealthChecker) GetStats() PoolStats {
	return h.pool.metrics.Snapshot()
}

// IsHealthy returns the current health state
func (h *DefaultHealthChecker) IsHealthy() bool {
	return h.isHealthy
}

// LastCheckTime returns the time of the last health check
func (h *DefaultHealthChecker) LastCheckTime() time.Time {
	return h.lastCheck
}

// PeriodicHealthChecker runs periodic health checks
type PeriodicHealthChecker struct {
	checker   HealthChecker
	interval  time.Duration
	stopCh    chan struct{}
	isRunning bool
}

// NewPeriodicHealthChecker creates a periodic health checker
func NewPeriodicHealthChecker(checker HealthChecker, interval time.Duration) *PeriodicHealthChecker {
	return &PeriodicHealthChecker{
		checker:   checker,
		interval:  interval,
		stopCh:    make(chan struct{}),
		isRunning: false,
	}
}

// Start begins periodic health checks
func (p *PeriodicHealthChecker) Start(ctx context.Context) {
	if p.isRunning {
		return
	}

	p.isRunning = true

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.isRunning = false
				return
			case <-p.stopCh:
				p.isRunning = false
				return
			case <-ticker.C:
				// run the health check in the background
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

				if err := p.checker.CheckHealth(checkCtx); err != nil {
					// log the error but keep running
					// (logging will be wired in later)
				}

				cancel()
			}
		}
	}()
}

// Stop halts periodic checks
func (p *PeriodicHealthChecker) Stop() {
	if !p.isRunning {
		return
	}

	select {
	case p.stopCh <- struct{}{}:
	default:
		// channel already closed or full
	}
}

// IsRunning returns whether it is running
func (p *PeriodicHealthChecker) IsRunning() bool {
	return p.isRunning
}

// CircuitBreakerHealthChecker adds a circuit breaker pattern
type CircuitBreakerHealthChecker struct {
	checker      HealthChecker
	failureCount int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	state        CircuitBreakerState
}

// CircuitBreakerState represents circuit breaker state
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// NewCircuitBreakerHealthChecker creates a health checker with a circuit breaker
func NewCircuitBreakerHealthChecker(checker HealthChecker, maxFailures int, resetTimeout time.Duration) *CircuitBreakerHealthChecker {
	return &CircuitBreakerHealthChecker{
		checker:      checker,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// CheckHealth checks health using circuit breaker logic
func (c *CircuitBreakerHealthChecker) CheckHealth(ctx context.Context) error {
	switch c.state {
	case StateOpen:
		// if the circuit breaker is open, check whether it's time to go half-open
		if time.Since(c.lastFailure) > c.resetTimeout {
			c.state = StateHalfOpen
		} else {
			return ErrCircuitBreakerOpen
		}
	case StateHalfOpen:
		// in half-open state, run the check
		fallthrough
	case StateClosed:
		// in closed state, run the normal check
		break
	}

	// run the health check
	err := c.checker.CheckHealth(ctx)

	if err != nil {
		c.failureCount++
		c.lastFailure = time.Now()

		if c.failureCount >= c.maxFailures {
			c.state = StateOpen
		}
		return err
	}

	// successful check
	c.failureCount = 0
	c.state = StateClosed
	return nil
}

// GetStats returns statistics
func (c *CircuitBreakerHealthChecker) GetStats() PoolStats {
	return c.checker.GetStats()
}

// IsHealthy returns health state accounting for the circuit breaker
func (c *CircuitBreakerHealthChecker) IsHealthy() bool {
	return c.checker.IsHealthy() && c.state != StateOpen
}

// LastCheckTime returns the time of the last check
func (c *CircuitBreakerHealthChecker) LastCheckTime() time.Time {
	return c.checker.LastCheckTime()
}

// GetState returns the current circuit breaker state
func (c *CircuitBreakerHealthChecker) GetState() CircuitBreakerState {
	return c.state
}

// GetFailureCount returns the number of failed checks
func (c *CircuitBreakerHealthChecker) GetFailureCount() int {
	return c.failureCount
}
