package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Expected underlying error, got %v", err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open state after 3 failures, got %v", cb.GetState())
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenProbeCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.Execute(context.Background(), func() error { return errBoom })
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open state, got %v", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Expected probe to succeed, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed state after successful probe, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.Execute(context.Background(), func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	cb.Execute(context.Background(), func() error { return errBoom })
	if cb.GetState() != StateOpen {
		t.Errorf("Expected reopened state after failed probe, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if err == nil {
		t.Error("Expected context error")
	}
	if called {
		t.Error("Function must not run with a cancelled context")
	}
}
