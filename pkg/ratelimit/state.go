// Package ratelimit implements per-credential GitHub quota tracking, credential
// selection and the per-credential circuit breaker.
// It monitors the X-RateLimit-Remaining and X-RateLimit-Reset headers of every
// response so that exhausted or failing tokens are rotated out before the API
// starts rejecting requests.
package ratelimit

import (
	"time"
)

// Rate limit headers sent by the GitHub REST API.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResource   = "X-RateLimit-Resource"
	HeaderRetryAfter = "Retry-After"
)

// Defaults for quota and circuit breaker behaviour.
const (
	// DefaultTokenQuota is the hourly core quota of an authenticated token.
	DefaultTokenQuota = 5000

	// DefaultAnonymousQuota is the hourly core quota of unauthenticated requests.
	DefaultAnonymousQuota = 60

	// DefaultFailureThreshold opens a credential's circuit after this many
	// consecutive failures.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long an open circuit stays open.
	DefaultCooldown = 60 * time.Second

	// revocationHorizon pushes the reset time of a revoked credential out of reach.
	revocationHorizon = 365 * 24 * time.Hour
)

// CredentialState is a point-in-time copy of a credential's bookkeeping.
type CredentialState struct {
	// Suffix is the redacted token identity ("...abcd"), or "anonymous".
	Suffix string `json:"credential"`

	// Anonymous is true for the unauthenticated fallback identity.
	Anonymous bool `json:"anonymous"`

	// Remaining is the number of calls left in the current window. Never negative.
	Remaining int `json:"remaining"`

	// Limit is the size of the current window as reported by the API.
	Limit int `json:"limit"`

	// ResetAt is when the window refills. Zero when unknown.
	ResetAt time.Time `json:"reset_at"`

	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	CircuitOpen         bool      `json:"circuit_open"`

	// Revoked is set after a 401; the credential is never selected again.
	Revoked bool `json:"revoked"`

	LastUsedAt time.Time `json:"last_used_at"`

	// Windows holds the per-resource windows seen in response headers.
	Windows Snapshot `json:"windows,omitempty"`
}

// IsExhausted returns true if the quota is spent and the window has not reset yet.
func (s *CredentialState) IsExhausted(now time.Time) bool {
	return s.Remaining <= 0 && s.ResetAt.After(now)
}

// CooldownElapsed returns true if an open circuit may close again.
func (s *CredentialState) CooldownElapsed(now time.Time, cooldown time.Duration) bool {
	return now.Sub(s.LastFailureAt) > cooldown
}

// TimeUntilReset returns the duration until the quota window resets.
// Returns 0 if the reset time has already passed or is unknown.
func (s *CredentialState) TimeUntilReset(now time.Time) time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Credential is one API identity managed by a Pool. All mutable state is
// guarded by the owning pool's mutex.
type Credential struct {
	token string
	state CredentialState
}

// Token returns the secret. It must never be logged.
func (c *Credential) Token() string {
	return c.token
}

// Anonymous returns true for the unauthenticated identity.
func (c *Credential) Anonymous() bool {
	return c.state.Anonymous
}

// Suffix returns the loggable identity of the credential.
func (c *Credential) Suffix() string {
	return c.state.Suffix
}
