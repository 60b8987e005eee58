// Package driver abstracts the MetaTrader 5 terminal behind a blocking,
// single-session interface. Two implementations ship: a client for the HTTP
// gateway shim that fronts the native SDK, and an in-memory simulator for
// tests and dry runs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// ErrInitFailed means the terminal session could not be initialized. The
// current request must be aborted before touching history.
var ErrInitFailed = errors.New("terminal initialization failed")

// ErrAuthFailed means the terminal rejected the supplied credentials.
var ErrAuthFailed = errors.New("terminal login failed")

// Error carries the terminal's structured last_error.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("terminal error %d: %s", e.Code, e.Message)
}

// Driver is the blocking, non-reentrant terminal surface. The engine
// serializes every call through its single worker, so implementations do not
// need to be safe for concurrent use.
type Driver interface {
	// Initialize prepares the terminal session. Idempotent.
	Initialize(ctx context.Context) error

	// Login authorizes the initialized session for an account. On failure
	// callers must abort the request without touching history.
	Login(ctx context.Context, login int64, password, server string) error

	// Shutdown releases the terminal session.
	Shutdown(ctx context.Context) error

	// AccountInfo returns the logged-in account summary.
	AccountInfo(ctx context.Context) (models.AccountInfo, error)

	// Positions returns the currently open positions as an unordered
	// snapshot.
	Positions(ctx context.Context) ([]models.Position, error)

	// HistoryDeals returns executed deals within [from, to]. Results are
	// eventually consistent: a deal executed seconds ago may be missing
	// until the terminal refreshes its history cache.
	HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error)

	// HistoryOrders returns historical orders within [from, to]. Same
	// consistency caveat as HistoryDeals.
	HistoryOrders(ctx context.Context, from, to time.Time) ([]models.Order, error)
}

// Ensure implementations satisfy Driver at compile time.
var (
	_ Driver = (*GatewayClient)(nil)
	_ Driver = (*Sim)(nil)
	_ Driver = (*CircuitDriver)(nil)
)

// CircuitDriver wraps a Driver with circuit breaker protection so a dead
// gateway fails fast instead of stalling the worker on every request.
type CircuitDriver struct {
	driver  Driver
	breaker *gobreaker.CircuitBreaker
}

// CircuitSettings configures circuit breaker behavior.
type CircuitSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitDriver wraps drv with sensible defaults.
func NewCircuitDriver(drv Driver, logger *logrus.Logger) *CircuitDriver {
	return NewCircuitDriverWithSettings(drv, logger, CircuitSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitDriverWithSettings wraps drv with custom breaker settings.
func NewCircuitDriverWithSettings(drv Driver, logger *logrus.Logger, settings CircuitSettings) *CircuitDriver {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "TerminalCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Rejected logins are a caller problem, not terminal health; they
		// must not open the circuit for other users.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAuthFailed)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitDriver{
		driver:  drv,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Initialize wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) Initialize(ctx context.Context) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.driver.Initialize(ctx)
	})
	return err
}

// Login wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) Login(ctx context.Context, login int64, password, server string) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.driver.Login(ctx, login, password, server)
	})
	return err
}

// Shutdown wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) Shutdown(ctx context.Context) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.driver.Shutdown(ctx)
	})
	return err
}

// AccountInfo wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) AccountInfo(ctx context.Context) (models.AccountInfo, error) {
	return execBreaker(c.breaker, func() (models.AccountInfo, error) {
		return c.driver.AccountInfo(ctx)
	})
}

// Positions wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) Positions(ctx context.Context) ([]models.Position, error) {
	return execBreaker(c.breaker, func() ([]models.Position, error) {
		return c.driver.Positions(ctx)
	})
}

// HistoryDeals wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	return execBreaker(c.breaker, func() ([]models.Deal, error) {
		return c.driver.HistoryDeals(ctx, from, to)
	})
}

// HistoryOrders wraps the underlying driver call with the circuit breaker.
func (c *CircuitDriver) HistoryOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	return execBreaker(c.breaker, func() ([]models.Order, error) {
		return c.driver.HistoryOrders(ctx, from, to)
	})
}
