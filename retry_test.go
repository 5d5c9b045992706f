package kobold

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGate(breaker *CircuitBreaker, opts ...GateOption) *providerGate {
	base := []GateOption{GateBaseDelay(time.Millisecond), GateMaxDelay(2 * time.Millisecond)}
	return NewProviderGate(breaker, append(base, opts...)...)
}

func TestGateRetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{
		name:      "anthropic",
		errs:      []error{errors.New("HTTP 503 service unavailable"), errors.New("timeout")},
		responses: []Response{endTurnResp("ok"), endTurnResp("ok"), endTurnResp("third try")},
	}
	breaker := NewCircuitBreaker()
	gate := newTestGate(breaker)

	resp, err := gate.Send(context.Background(), provider, nil, nil, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if provider.callCount() != 3 {
		t.Errorf("calls = %d, want 3", provider.callCount())
	}
	if got := blocksText(resp.Content); got != "third try" {
		t.Errorf("response = %q", got)
	}
	if breaker.GetState("anthropic") != CircuitClosed {
		t.Error("success should close the circuit")
	}
}

func TestGatePermanentErrorNoRetry(t *testing.T) {
	provider := &scriptedProvider{
		name: "anthropic",
		errs: []error{errors.New("401 unauthorized")},
	}
	gate := newTestGate(NewCircuitBreaker())

	_, err := gate.Send(context.Background(), provider, nil, nil, "")
	if err == nil {
		t.Fatal("want error")
	}
	if provider.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors never retry)", provider.callCount())
	}
}

func TestGateExhaustsAttempts(t *testing.T) {
	provider := &scriptedProvider{
		name: "anthropic",
		errs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
	}
	gate := newTestGate(NewCircuitBreaker(), GateMaxAttempts(3))

	_, err := gate.Send(context.Background(), provider, nil, nil, "")
	if err == nil || err.Error() != "timeout" {
		t.Fatalf("want last transient error, got %v", err)
	}
	if provider.callCount() != 3 {
		t.Errorf("calls = %d, want 3", provider.callCount())
	}
}

func TestGateFailuresOpenCircuit(t *testing.T) {
	provider := &scriptedProvider{
		name: "anthropic",
		errs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
	}
	breaker := NewCircuitBreaker(FailureThreshold(3))
	gate := newTestGate(breaker, GateMaxAttempts(5))

	_, err := gate.Send(context.Background(), provider, nil, nil, "")
	if err == nil {
		t.Fatal("want error")
	}
	// Three failures trip the breaker; the fourth attempt is refused.
	if provider.callCount() != 3 {
		t.Errorf("calls = %d, want 3", provider.callCount())
	}
	if breaker.GetState("anthropic") != CircuitOpen {
		t.Error("circuit should be open")
	}
}

func TestGateRefusesWhenCircuitOpen(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", responses: []Response{endTurnResp("never")}}
	breaker := NewCircuitBreaker(FailureThreshold(1))
	breaker.RecordFailure("anthropic")
	gate := newTestGate(breaker)

	var pe *ErrProvider
	_, err := gate.Send(context.Background(), provider, nil, nil, "")
	if !errors.As(err, &pe) || pe.Message != "circuit open" {
		t.Fatalf("want circuit-open ErrProvider, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times through an open circuit", provider.callCount())
	}
}

func TestGateNotConfiguredBypassesBreaker(t *testing.T) {
	provider := &scriptedProvider{
		name: "anthropic",
		errs: []error{&ErrNotConfigured{Provider: "anthropic"}},
	}
	breaker := NewCircuitBreaker(FailureThreshold(1))
	gate := newTestGate(breaker)

	_, err := gate.Send(context.Background(), provider, nil, nil, "")
	var nc *ErrNotConfigured
	if !errors.As(err, &nc) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("calls = %d, want 1", provider.callCount())
	}
	if breaker.GetState("anthropic") != CircuitClosed {
		t.Error("not-configured must not count toward the circuit")
	}
}

func TestGateCancellationPassesThrough(t *testing.T) {
	provider := &scriptedProvider{
		name: "anthropic",
		errs: []error{context.Canceled},
	}
	breaker := NewCircuitBreaker(FailureThreshold(1))
	gate := newTestGate(breaker)

	_, err := gate.Send(context.Background(), provider, nil, nil, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if breaker.GetState("anthropic") != CircuitClosed {
		t.Error("cancellation must not count as a provider failure")
	}
}

func TestGateBackoffBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	for i := 0; i < 10; i++ {
		d := gateBackoff(base, max, i)
		if d < base {
			t.Errorf("backoff(%d) = %v below base", i, d)
		}
		if d > max+max/2 {
			t.Errorf("backoff(%d) = %v above cap plus jitter", i, d)
		}
	}
}
