// Package ratelimit bounds the number of frames a connection may receive
// per second.
package ratelimit

import (
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// Defaults for inbound frame limiting
const (
	DefaultPerSecond = 50
	DefaultBurst     = 50
)

// Policy decides what happens to a frame over the limit once a connection
// is established. During the handshake every excess frame is fatal.
type Policy uint8

const (
	// PolicyDrop discards the frame
	PolicyDrop Policy = iota
	// PolicyReject answers requests with a failure response
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses "drop" or "reject". The empty string is PolicyDrop.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "reject":
		return PolicyReject, nil
	}
	return PolicyDrop, fmt.Errorf("unknown rate limit policy %q", s)
}

// Limiter is a token bucket with continuous refill
type Limiter struct {
	limiter *rate.Limiter
	policy  Policy
}

// New creates a limiter allowing perSecond frames with the given burst.
// A non-positive perSecond disables limiting.
func New(perSecond float64, burst int, policy Policy) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		policy:  policy,
	}
}

// NewDefault creates a limiter with DefaultPerSecond and DefaultBurst
func NewDefault() *Limiter {
	return New(DefaultPerSecond, DefaultBurst, PolicyDrop)
}

// Allow consumes a token if one is available
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Policy returns the steady state overflow policy
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Limit returns the refill rate in tokens per second
func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}

// Burst returns the bucket size
func (l *Limiter) Burst() int {
	return l.limiter.Burst()
}
