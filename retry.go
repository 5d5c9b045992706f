package kobold

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Gate defaults per the retry policy: exponential backoff from 1s capped at
// 60s, each attempt bounded by a 600s request timeout.
const (
	defaultGateAttempts       = 3
	defaultGateBaseDelay      = time.Second
	defaultGateMaxDelay       = 60 * time.Second
	defaultGateRequestTimeout = 600 * time.Second
)

// providerGate wraps provider calls with error classification, the circuit
// breaker, and exponential backoff. Every outcome is recorded: successes
// close the circuit, failures of any class count toward opening it. Only
// transient failures are retried, and only while the circuit admits the
// provider.
type providerGate struct {
	breaker        *CircuitBreaker
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GateOption configures a providerGate.
type GateOption func(*providerGate)

// GateMaxAttempts sets the attempt budget per call (default 3).
func GateMaxAttempts(n int) GateOption {
	return func(g *providerGate) { g.maxAttempts = n }
}

// GateBaseDelay sets the initial backoff delay (default 1s). Each subsequent
// delay doubles up to the cap.
func GateBaseDelay(d time.Duration) GateOption {
	return func(g *providerGate) { g.baseDelay = d }
}

// GateMaxDelay caps the backoff delay (default 60s).
func GateMaxDelay(d time.Duration) GateOption {
	return func(g *providerGate) { g.maxDelay = d }
}

// GateRequestTimeout bounds each individual provider call (default 600s).
// Timeouts classify as transient.
func GateRequestTimeout(d time.Duration) GateOption {
	return func(g *providerGate) { g.requestTimeout = d }
}

// GateLogger sets the structured logger for retry events.
func GateLogger(l *slog.Logger) GateOption {
	return func(g *providerGate) { g.logger = l }
}

// NewProviderGate creates a gate over the shared circuit breaker.
func NewProviderGate(breaker *CircuitBreaker, opts ...GateOption) *providerGate {
	g := &providerGate{
		breaker:        breaker,
		maxAttempts:    defaultGateAttempts,
		baseDelay:      defaultGateBaseDelay,
		maxDelay:       defaultGateMaxDelay,
		requestTimeout: defaultGateRequestTimeout,
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send performs one gated provider call. It refuses immediately when the
// circuit is open, retries transient failures with backoff, and surfaces
// permanent and unknown failures after recording them. ErrNotConfigured is
// surfaced without touching the breaker so the scheduler can pause the
// project instead of tripping the provider for everyone.
func (g *providerGate) Send(ctx context.Context, p Provider, conversation []Message, tools []ToolDefinition, systemPrompt string) (Response, error) {
	name := p.Name()
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if !g.breaker.CanRetry(name) {
			state := g.breaker.GetState(name)
			g.logger.Warn("circuit refuses provider call", "provider", name, "state", state.String())
			if lastErr != nil {
				return Response{}, lastErr
			}
			return Response{}, &ErrProvider{Provider: name, Message: "circuit open"}
		}

		resp, err := g.callOnce(ctx, p, conversation, tools, systemPrompt)
		if err == nil {
			g.breaker.RecordSuccess(name)
			return resp, nil
		}
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}

		var notConfigured *ErrNotConfigured
		if errors.As(err, &notConfigured) {
			return Response{}, err
		}

		g.breaker.RecordFailure(name)
		lastErr = err

		class := ClassifyError(err)
		if class != ErrorTransient {
			g.logger.Error("provider call failed",
				"provider", name, "class", class.String(), "error", err)
			return Response{}, err
		}
		g.logger.Warn("retrying transient provider error",
			"provider", name, "attempt", attempt, "max_attempts", g.maxAttempts, "error", err)
		if attempt < g.maxAttempts {
			timer := time.NewTimer(gateBackoff(g.baseDelay, g.maxDelay, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	g.logger.Error("all retry attempts exhausted", "provider", name, "attempts", g.maxAttempts, "error", lastErr)
	return Response{}, lastErr
}

// callOnce performs a single provider call under the request timeout.
func (g *providerGate) callOnce(ctx context.Context, p Provider, conversation []Message, tools []ToolDefinition, systemPrompt string) (Response, error) {
	if g.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
	}
	return p.SendMessage(ctx, conversation, tools, systemPrompt)
}

// gateBackoff returns the delay before retry i (0-indexed): base·2^i capped
// at max, plus up to 50% random jitter.
func gateBackoff(base, max time.Duration, i int) time.Duration {
	exp := base << i
	if exp > max || exp <= 0 {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
