package models

// RateLimitCell is the value stored under key `ratelimit:<identifier>`.
// Per invariant I6 cells never decrement; they only grow until they
// expire (TTL) or a new window begins.
type RateLimitCell struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"` // unix-ms
}
