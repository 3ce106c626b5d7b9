package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// reaching the backend.
var ErrCircuitOpen = errors.New("circuit open")

// Executor combines retry/backoff, a circuit breaker and metrics recording
// for one dependent service. Calls are labelled per operation type.
type Executor struct {
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	metrics *MetricsTracker
	logger  *slog.Logger
}

// ExecutorConfig configures an Executor. Zero values take the defaults used
// for the calendar backend.
type ExecutorConfig struct {
	Name             string
	Retry            RetryConfig
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// NewExecutor creates an Executor recording into metrics. A nil metrics
// tracker disables recording; a nil logger falls back to slog.Default.
func NewExecutor(cfg ExecutorConfig, metrics *MetricsTracker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "external"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	log := logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &Executor{
		retry:   cfg.Retry,
		breaker: cb,
		metrics: metrics,
		logger:  logger,
	}
}

// Do runs op under the breaker with retry/backoff and records the outcome
// under the given operation label. The retry loop runs inside the breaker so
// one exhausted sequence counts as a single breaker failure.
func (e *Executor) Do(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	start := time.Now()
	retries := 0

	_, err := e.breaker.Execute(func() (any, error) {
		r, err := Retry(ctx, e.retry, op)
		retries = r
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrCircuitOpen
	}

	if e.metrics != nil {
		e.metrics.Record(operation, time.Since(start), retries, err)
	}
	if err != nil {
		e.logger.Warn("external operation failed",
			"operation", operation,
			"retries", retries,
			"err", err)
	}
	return err
}
