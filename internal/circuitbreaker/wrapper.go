package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Execute runs operation under breaker, honoring ctx cancellation via
// the same goroutine+select shape used throughout this codebase for
// any cancellable I/O. A nil breaker means circuit breaking is
// disabled; the operation still runs, just unprotected.
func Execute(ctx context.Context, breaker *gobreaker.CircuitBreaker, operation func() error) error {
	run := func() (interface{}, error) {
		type result struct{ err error }
		done := make(chan result, 1)

		go func() {
			done <- result{err: operation()}
		}()

		select {
		case res := <-done:
			return nil, res.err
		case <-ctx.Done():
			return nil, fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
	}

	if breaker == nil {
		_, err := run()
		return err
	}

	_, err := breaker.Execute(run)
	return err
}

// ExecutePolicyStore runs a policy-store fetch under m.PolicyStore.
func (m *Manager) ExecutePolicyStore(ctx context.Context, operation func() error) error {
	return Execute(ctx, m.PolicyStore, operation)
}

// ExecuteScanner runs a single scanner POST under m.Scanner.
func (m *Manager) ExecuteScanner(ctx context.Context, operation func() error) error {
	return Execute(ctx, m.Scanner, operation)
}

// ExecuteThreatBackend runs a threat-report POST under m.ThreatBackend.
func (m *Manager) ExecuteThreatBackend(ctx context.Context, operation func() error) error {
	return Execute(ctx, m.ThreatBackend, operation)
}

// ExecuteLLM runs a metadata-audit LLM call under m.LLM.
func (m *Manager) ExecuteLLM(ctx context.Context, operation func() error) error {
	return Execute(ctx, m.LLM, operation)
}

// ExecuteWithRetry runs an operation under breaker with retry logic. It
// makes at most maxRetries attempts in total, waiting 100ms, 200ms, ...
// (linear backoff) between them, and never retries once the breaker
// itself reports open.
func ExecuteWithRetry(ctx context.Context, breaker *gobreaker.CircuitBreaker, maxRetries int, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := Execute(ctx, breaker, operation)
		if err == nil {
			return nil
		}

		lastErr = err

		if err == gobreaker.ErrOpenState {
			return fmt.Errorf("circuit breaker is open: %w", err)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}

		if attempt < maxRetries-1 {
			backoff := time.Duration(attempt+1) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}
