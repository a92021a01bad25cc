// Package governor implements admission control for upstream model providers.
// Each provider has two continuously refilled token buckets, one for request
// count and one for token throughput. Admission is a hint, not a lock: the
// governor never fails, and callers that ignore it can still attempt a call.
package governor

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limits is a provider's per-minute budget. Bucket capacity equals the
// per-minute rate, so an idle provider can burst at most one minute's worth.
type Limits struct {
	RequestsPerMinute float64
	TokensPerMinute   float64
}

var DefaultLimits = Limits{RequestsPerMinute: 50, TokensPerMinute: 40000}

const (
	defaultMaxWait      = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

type bucket struct {
	requests   float64
	tokens     float64
	lastRefill time.Time
}

type Governor struct {
	MaxWait      time.Duration
	PollInterval time.Duration

	mu      sync.Mutex
	limits  map[string]Limits
	buckets map[string]*bucket
	now     func() time.Time
}

func New() *Governor {
	return &Governor{
		MaxWait:      defaultMaxWait,
		PollInterval: defaultPollInterval,
		limits:       map[string]Limits{},
		buckets:      map[string]*bucket{},
		now:          time.Now,
	}
}

// SetLimits overrides the budget for a provider. Non-positive rates fall back
// to the defaults.
func (g *Governor) SetLimits(provider string, limits Limits) {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = DefaultLimits.RequestsPerMinute
	}
	if limits.TokensPerMinute <= 0 {
		limits.TokensPerMinute = DefaultLimits.TokensPerMinute
	}
	g.mu.Lock()
	g.limits[provider] = limits
	delete(g.buckets, provider)
	g.mu.Unlock()
}

// CanAdmit reports whether a call estimated at estimatedTokens fits the
// provider's current budget. It refills but never consumes.
func (g *Governor) CanAdmit(provider string, estimatedTokens int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.refillLocked(provider)
	return b.requests >= 1 && b.tokens >= float64(estimatedTokens)
}

// Admit consumes capacity for a completed call. Call it after a successful
// provider call with the actual token usage.
func (g *Governor) Admit(provider string, tokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.refillLocked(provider)
	b.requests = math.Max(0, b.requests-1)
	b.tokens = math.Max(0, b.tokens-float64(tokens))
}

// WaitForCapacity polls until admission is possible, the context ends, or
// MaxWait elapses. It reports how long it waited and whether capacity was
// available at the end; it never returns an error.
func (g *Governor) WaitForCapacity(ctx context.Context, provider string, estimatedTokens int) (time.Duration, bool) {
	start := g.clock()()
	if g.CanAdmit(provider, estimatedTokens) {
		return 0, true
	}
	maxWait := g.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	poll := g.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return g.clock()().Sub(start), false
		case <-deadline.C:
			return g.clock()().Sub(start), g.CanAdmit(provider, estimatedTokens)
		case <-ticker.C:
			if g.CanAdmit(provider, estimatedTokens) {
				return g.clock()().Sub(start), true
			}
		}
	}
}

func (g *Governor) clock() func() time.Time {
	if g.now == nil {
		return time.Now
	}
	return g.now
}

// refillLocked applies fractional refill proportional to elapsed time, so
// catch-up traffic after idle periods is smoothed instead of released in a
// burst at window boundaries.
func (g *Governor) refillLocked(provider string) *bucket {
	limits, ok := g.limits[provider]
	if !ok {
		limits = DefaultLimits
	}
	now := g.clock()()
	b, ok := g.buckets[provider]
	if !ok {
		b = &bucket{
			requests:   limits.RequestsPerMinute,
			tokens:     limits.TokensPerMinute,
			lastRefill: now,
		}
		g.buckets[provider] = b
		return b
	}
	elapsed := now.Sub(b.lastRefill).Minutes()
	if elapsed > 0 {
		b.requests = math.Min(limits.RequestsPerMinute, b.requests+elapsed*limits.RequestsPerMinute)
		b.tokens = math.Min(limits.TokensPerMinute, b.tokens+elapsed*limits.TokensPerMinute)
		b.lastRefill = now
	}
	return b
}
