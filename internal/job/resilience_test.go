package job

import (
	"context"
	"testing"
	"time"
)

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test-signer", 3, 50*time.Millisecond)

	if !cb.Allow() {
		t.Fatal("closed breaker should allow")
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want closed before threshold", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open after %d failures", cb.State(), cb.ConsecutiveFailures())
	}
	if cb.Allow() {
		t.Fatal("open breaker should block before cooldown elapses")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should allow a probe call once cooldown elapses")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want closed after successful probe", cb.State())
	}
	if cb.ConsecutiveFailures() != 0 {
		t.Fatalf("consecutive failures = %d, want 0", cb.ConsecutiveFailures())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test-signer", 1, 10*time.Millisecond)
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open after failed probe", cb.State())
	}
}

func TestRateLimiter_WaitRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter("test-signer", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected context cancellation error")
	}
	if rl.Name() != "test-signer" {
		t.Fatalf("name = %q", rl.Name())
	}
}
