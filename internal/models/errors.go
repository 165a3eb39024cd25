package models

import "errors"

// Sentinel errors for the error kinds of spec.md §7. Validators never
// propagate these upward as request failures (fail-open); they exist
// so call sites can log.Warn/log.Error with a stable, wrappable cause
// instead of an ad-hoc string.
var (
	// ErrPolicyFetch is fatal: the guardrail-policy fetch failed and the
	// caller must surface it (audit-policy fetch failure does not use
	// this — it degrades to an empty map per §4.1).
	ErrPolicyFetch = errors.New("policy store: guardrail policy fetch failed")

	// ErrRateLimitStore marks a KV failure during the rate-limit RMW
	// protocol. Non-fatal: the validator allows and logs.
	ErrRateLimitStore = errors.New("rate limit: store operation failed")

	// ErrScannerUnavailable marks a single scanner call's failure
	// (timeout, non-2xx, circuit open). Non-fatal: counted, not blocking.
	ErrScannerUnavailable = errors.New("scanner: call failed")

	// ErrThreatReport marks a failed POST to the threat backend.
	// Always swallowed — the reporter runs detached.
	ErrThreatReport = errors.New("threat reporter: report failed")

	// ErrLLM marks a failed metadata-audit LLM call. Swallowed per tool.
	ErrLLM = errors.New("metadata auditor: LLM call failed")
)
