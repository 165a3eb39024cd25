package circuitbreaker

import (
	"github.com/sony/gobreaker"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
)

// Manager holds one circuit breaker per egress surface the engine
// talks to: the policy store, the scanner, the threat backend, and the
// LLM endpoint. Per DESIGN NOTES ("no process-global state"), this is
// an explicit dependency constructed once in cmd/server/main.go and
// threaded into every client — no package-level breaker variables.
type Manager struct {
	PolicyStore   *gobreaker.CircuitBreaker
	Scanner       *gobreaker.CircuitBreaker
	ThreatBackend *gobreaker.CircuitBreaker
	LLM           *gobreaker.CircuitBreaker
}

// NewManager creates circuit breakers with configuration values. When
// disabled, every field is nil and Execute* helpers run the operation
// directly, bypassing breaker bookkeeping.
func NewManager(cfg *config.Config) *Manager {
	if !cfg.CircuitBreakerEnabled {
		return &Manager{}
	}

	failureThreshold := uint32(cfg.CircuitBreakerFailureThreshold)

	newBreaker := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= failureThreshold && failureRatio >= 0.6
			},
		})
	}

	return &Manager{
		PolicyStore:   newBreaker("policy_store"),
		Scanner:       newBreaker("scanner"),
		ThreatBackend: newBreaker("threat_backend"),
		LLM:           newBreaker("llm"),
	}
}

// State returns the current state of the circuit breaker as a string.
// A nil breaker (circuit breaking disabled) is reported "closed" — the
// caller should treat it as always-execute.
func State(breaker *gobreaker.CircuitBreaker) string {
	if breaker == nil {
		return "closed"
	}
	switch breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
