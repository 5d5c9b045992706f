package kobold

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CircuitState is the per-provider gate position.
type CircuitState int

const (
	// CircuitClosed admits requests normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the open duration elapses.
	CircuitOpen
	// CircuitHalfOpen admits one probe; success closes, failure reopens.
	CircuitHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold  = 3
	defaultOpenDuration      = 10 * time.Minute
	defaultResetAfterSuccess = 5 * time.Minute
)

// providerCircuit is the mutable state for one provider. Guarded by the
// breaker's per-provider mutex.
type providerCircuit struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	lastFailureAt       time.Time
}

// CircuitBreaker gates retries against shared model endpoints. Providers are
// keyed by lowercased name; an empty name is a no-op gate that always admits.
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex // guards the circuits map, not individual circuits
	circuits map[string]*providerCircuit

	failureThreshold  int
	openDuration      time.Duration
	resetAfterSuccess time.Duration
	logger            *slog.Logger
	now               func() time.Time // test seam
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// FailureThreshold sets how many consecutive failures open the circuit
// (default 3).
func FailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.failureThreshold = n }
}

// OpenDuration sets how long an open circuit rejects before probing
// (default 10 minutes).
func OpenDuration(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.openDuration = d }
}

// ResetAfterSuccess sets the quiet period after which a closed circuit's
// failure count resets to zero (default 5 minutes).
func ResetAfterSuccess(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.resetAfterSuccess = d }
}

// BreakerLogger sets the structured logger for state transitions.
func BreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) { b.logger = l }
}

// breakerClock overrides the time source. Test-only.
func breakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker creates a breaker with the given options.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		circuits:          make(map[string]*providerCircuit),
		failureThreshold:  defaultFailureThreshold,
		openDuration:      defaultOpenDuration,
		resetAfterSuccess: defaultResetAfterSuccess,
		logger:            nopLogger,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// circuit returns the providerCircuit for name, creating it if needed.
func (b *CircuitBreaker) circuit(name string) *providerCircuit {
	key := strings.ToLower(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok {
		c = &providerCircuit{}
		b.circuits[key] = c
	}
	return c
}

// RecordFailure notes a failed call against the provider. Reaching the
// threshold while closed opens the circuit; any failure in half-open reopens
// it immediately.
func (b *CircuitBreaker) RecordFailure(provider string) {
	if provider == "" {
		return
	}
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := b.now()
	c.consecutiveFailures++
	c.lastFailureAt = now
	switch c.state {
	case CircuitClosed:
		if c.consecutiveFailures >= b.failureThreshold {
			c.state = CircuitOpen
			c.openedAt = now
			b.logger.Warn("circuit opened", "provider", provider, "failures", c.consecutiveFailures)
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = now
		b.logger.Warn("circuit reopened from half-open", "provider", provider)
	}
}

// RecordSuccess notes a successful call, closing the circuit and clearing
// the failure count.
func (b *CircuitBreaker) RecordSuccess(provider string) {
	if provider == "" {
		return
	}
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitClosed {
		b.logger.Info("circuit closed", "provider", provider)
	}
	c.state = CircuitClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
}

// CanRetry reports whether a request to the provider may proceed. Observing
// an open circuit past its open duration transitions it to half-open;
// observing a quiet closed circuit past the reset window clears its failure
// count. An empty provider name always admits.
func (b *CircuitBreaker) CanRetry(provider string) bool {
	if provider == "" {
		return true
	}
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := b.now()
	switch c.state {
	case CircuitOpen:
		if now.Sub(c.openedAt) >= b.openDuration {
			c.state = CircuitHalfOpen
			b.logger.Info("circuit half-open", "provider", provider)
		}
	case CircuitClosed:
		if !c.lastFailureAt.IsZero() && now.Sub(c.lastFailureAt) >= b.resetAfterSuccess {
			c.consecutiveFailures = 0
			c.lastFailureAt = time.Time{}
		}
	}
	return c.state != CircuitOpen
}

// GetState returns the provider's current state without side effects.
func (b *CircuitBreaker) GetState(provider string) CircuitState {
	if provider == "" {
		return CircuitClosed
	}
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset returns the provider's circuit to closed with a clean slate.
func (b *CircuitBreaker) Reset(provider string) {
	if provider == "" {
		return
	}
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	c.lastFailureAt = time.Time{}
}

// ResetAll resets every tracked provider.
func (b *CircuitBreaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[string]*providerCircuit)
}
