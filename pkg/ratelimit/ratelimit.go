// Package ratelimit implements the fixed-window limiter of spec §4.3:
// keyed counters with a monotonic reset time, never a token-bucket.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Policy is a per-endpoint rate-limit profile.
type Policy struct {
	Window time.Duration
	Max    int
}

// Endpoint names the policies spec §4.3 enumerates.
type Endpoint string

const (
	EndpointSendEmail   Endpoint = "send-email"
	EndpointCodeVerify  Endpoint = "code-verify"
	EndpointPasskeyAuth Endpoint = "passkey-auth"
	EndpointToken       Endpoint = "token"
	EndpointPAR         Endpoint = "par"
	EndpointBCAuthorize Endpoint = "bc-authorize"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed  bool
	Remaining int
	ResetAt  time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a keyed fixed-window rate limiter. Keys are composed by the
// caller as {tenant, endpoint, identifier}; Limiter itself is
// identifier-agnostic.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	policies map[Endpoint]Policy
}

// New constructs a Limiter with the given per-endpoint policies.
func New(policies map[Endpoint]Policy) *Limiter {
	return &Limiter{windows: make(map[string]*window), policies: policies}
}

// Key composes the canonical rate-limit key from tenant, endpoint, and an
// identifier (IP, email, or client id, depending on the endpoint).
func Key(tenant string, endpoint Endpoint, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", tenant, endpoint, identifier)
}

// Check increments the window counter for key under endpoint's configured
// policy and reports whether the call is allowed. Once a window reports
// allowed=false, every subsequent call within that window also reports
// allowed=false (property #10) — the window is never refilled early.
func (l *Limiter) Check(key string, endpoint Endpoint) (Result, error) {
	policy, ok := l.policies[endpoint]
	if !ok {
		return Result{}, fmt.Errorf("no rate-limit policy configured for endpoint %s", endpoint)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(policy.Window)}
		l.windows[key] = w
	}

	w.count++

	if w.count > policy.Max {
		return Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt}, nil
	}

	return Result{Allowed: true, Remaining: policy.Max - w.count, ResetAt: w.resetAt}, nil
}

// RetryAfter returns the duration until the window identified by key next
// resets, for use in a 429 response's Retry-After header.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	d := time.Until(w.resetAt)
	if d < 0 {
		return 0
	}
	return d
}

// DefaultPolicies matches the endpoint list named in spec §4.3.
func DefaultPolicies() map[Endpoint]Policy {
	return map[Endpoint]Policy{
		EndpointSendEmail:   {Window: 15 * time.Minute, Max: 3},
		EndpointCodeVerify:  {Window: 15 * time.Minute, Max: 10},
		EndpointPasskeyAuth: {Window: time.Minute, Max: 10},
		EndpointToken:       {Window: time.Minute, Max: 60},
		EndpointPAR:         {Window: time.Minute, Max: 30},
		EndpointBCAuthorize: {Window: time.Minute, Max: 20},
	}
}
