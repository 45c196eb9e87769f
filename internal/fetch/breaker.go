package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Transport performs a single HTTP round trip. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// BreakerSettings configures the per-host circuit breakers.
type BreakerSettings struct {
	MaxRequests         uint32        // Requests allowed in half-open state (default 3)
	Timeout             time.Duration // Time spent open before probing recovery (default 30s)
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
}

// DefaultBreakerSettings returns the default breaker configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerTransport wraps a Transport with one circuit breaker per host.
// Server errors (5xx) and transport failures count against the breaker;
// cancellation does not. While a host's breaker is open, requests to it fail
// immediately.
type BreakerTransport struct {
	next     Transport
	settings BreakerSettings
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerTransport creates a BreakerTransport around next.
func NewBreakerTransport(next Transport, settings BreakerSettings, logger *zap.Logger) *BreakerTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBreakerSettings()
	if settings.MaxRequests == 0 {
		settings.MaxRequests = def.MaxRequests
	}
	if settings.Timeout == 0 {
		settings.Timeout = def.Timeout
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = def.ConsecutiveFailures
	}
	return &BreakerTransport{
		next:     next,
		settings: settings,
		logger:   logger.Named("breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Breaker returns the circuit breaker for host.
// Creates a new one if it doesn't exist.
func (b *BreakerTransport) Breaker(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[host]; ok {
		return cb
	}

	threshold := b.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: b.settings.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				zap.String("host", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// Don't count caller cancellation as a host failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	b.breakers[host] = cb
	return cb
}

// serverFailure marks a 5xx response so the breaker counts it.
type serverFailure struct{ status int }

func (e *serverFailure) Error() string { return fmt.Sprintf("server error %d", e.status) }

// Do sends req through the breaker of its host.
func (b *BreakerTransport) Do(req *http.Request) (*http.Response, error) {
	cb := b.Breaker(req.URL.Host)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := b.next.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &serverFailure{status: resp.StatusCode}
		}
		return resp, nil
	})

	var sf *serverFailure
	if errors.As(err, &sf) {
		// Counted against the breaker; the caller still sees the response
		return result.(*http.Response), nil
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", req.URL.Host, err)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}
