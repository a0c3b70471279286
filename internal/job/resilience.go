// Package job runs the durable work queue (bria_jobs): at-least-once
// handlers for wallet sync, UTXO processing, payout batching, batch
// signing, and broadcast. Grounded in the teacher's internal/scanner
// polling loop (the same "poll, handle, backoff" shape, generalized from
// chain-provider polling to job dequeue) for its scheduling idiom, and on
// original_source's job module for what the handlers themselves must do.
package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Circuit states, local to this package now that scanner's multi-chain
// provider pool is gone — the breaker trips on a remote signer, not a chain
// data provider, but the state machine is unchanged from the teacher's.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreakerHalfOpenMax is how many probe calls are allowed through
// while half-open before falling back to open on any failure.
const CircuitBreakerHalfOpenMax = 1

// CircuitBreaker guards calls to a remote signer (internal/xpub's
// RemoteSigningClient) the same way the teacher's guarded calls to a chain
// data provider: trip on repeated failure, cool down, then probe.
//
// State machine:
//   - Closed (normal): all calls pass. On failure, increment counter.
//     If counter >= threshold → Open.
//   - Open (tripped): all calls blocked (caller should fail the job with
//     config.ErrSignerUnreachable and let the queue retry later).
//   - Half-Open (testing): allow one probe call through. Success → Closed
//     (reset counter). Failure → Open (restart cooldown).
type CircuitBreaker struct {
	mu               sync.Mutex
	state            string
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	lastFailure      time.Time
	halfOpenAllowed  int
	halfOpenCount    int
	name             string
}

// NewCircuitBreaker creates a circuit breaker for one named remote signer,
// tripping after threshold consecutive failures and probing again after
// cooldown.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		state:           CircuitClosed,
		threshold:       threshold,
		cooldown:        cooldown,
		halfOpenAllowed: CircuitBreakerHalfOpenMax,
	}
}

// Allow returns true if a call to the remote signer should be attempted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.cooldown {
			slog.Debug("circuit breaker transitioning to half-open",
				"signer", cb.name,
				"consecutiveFails", cb.consecutiveFails,
				"cooldown", cb.cooldown,
			)
			cb.state = CircuitHalfOpen
			cb.halfOpenCount = 0
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.halfOpenCount < cb.halfOpenAllowed {
			cb.halfOpenCount++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call, closing the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state
	cb.consecutiveFails = 0
	cb.state = CircuitClosed
	cb.halfOpenCount = 0

	if previousState != CircuitClosed {
		slog.Info("circuit breaker closed after success", "signer", cb.name, "previousState", previousState)
	}
}

// RecordFailure records a failed call and may trip the circuit to open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = time.Now()

	if cb.state == CircuitHalfOpen {
		slog.Warn("circuit breaker reopened from half-open after failure", "signer", cb.name, "consecutiveFails", cb.consecutiveFails)
		cb.state = CircuitOpen
		cb.halfOpenCount = 0
		return
	}

	if cb.consecutiveFails >= cb.threshold {
		slog.Warn("circuit breaker tripped to open", "signer", cb.name, "consecutiveFails", cb.consecutiveFails, "threshold", cb.threshold)
		cb.state = CircuitOpen
		cb.halfOpenCount = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// RateLimiter throttles calls to a single remote signer so a burst of
// queued batch_signing jobs never exceeds what that signer can take —
// same wrapper the teacher used around a chain provider's rate limit.
type RateLimiter struct {
	limiter *rate.Limiter
	name    string
}

// NewRateLimiter creates a rate limiter allowing rps calls per second to
// the named signer.
func NewRateLimiter(name string, rps int) *RateLimiter {
	slog.Debug("rate limiter created", "signer", name, "rps", rps)
	return &RateLimiter{
		// Burst(1) spreads calls evenly across the second rather than
		// letting a queue drain burst through all at once.
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		name:    name,
	}
}

// Wait blocks until the limiter allows another call or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		slog.Warn("rate limiter wait cancelled", "signer", rl.name, "error", err)
		return err
	}
	return nil
}

// Name returns the signer name this limiter is associated with.
func (rl *RateLimiter) Name() string {
	return rl.name
}
