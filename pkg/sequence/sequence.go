// Package sequence issues strictly increasing integers per debate, used to
// total-order durable events. Numbers are never reused; a crash between
// increment and event append produces a permanent, harmless gap.
package sequence

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "debate:seq:"

type Sequencer struct {
	Client *redis.Client
	// TTL, when positive, bounds counter lifetime to the debate retention
	// window.
	TTL time.Duration
	// OnFallback, when set, is called each time the primary is skipped in
	// favor of the local counter (metrics hook).
	OnFallback func()

	mu sync.Mutex
	// local carries the counter through primary outages. Cross-process
	// ordering is sacrificed in that window; in-process monotonicity is not.
	local map[string]int64
}

func New(client *redis.Client, ttl time.Duration) *Sequencer {
	return &Sequencer{Client: client, TTL: ttl, local: map[string]int64{}}
}

// Next atomically increments and returns the counter for the debate. On
// primary failure it degrades to the process-local counter and keeps going
// rather than blocking the debate.
func (s *Sequencer) Next(ctx context.Context, debateID string) int64 {
	if s.Client != nil {
		opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		n, err := s.Client.Incr(opCtx, keyPrefix+debateID).Result()
		cancel()
		if err == nil {
			n, err = s.reconcile(ctx, debateID, n)
		}
		if err == nil {
			if s.TTL > 0 {
				s.Client.Expire(context.WithoutCancel(ctx), keyPrefix+debateID, s.TTL)
			}
			return n
		}
		log.Printf("sequence: redis incr degraded to local counter for %s: %v", debateID, err)
		if s.OnFallback != nil {
			s.OnFallback()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[debateID]++
	return s.local[debateID]
}

// Current reads the counter without mutating it; 0 for a never-touched
// debate. Catch-up clients use it to learn how far the log goes.
func (s *Sequencer) Current(ctx context.Context, debateID string) int64 {
	var primary int64
	if s.Client != nil {
		opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		raw, err := s.Client.Get(opCtx, keyPrefix+debateID).Result()
		cancel()
		if err == nil {
			if n, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
				primary = n
			}
		} else if err != redis.Nil {
			log.Printf("sequence: redis read degraded to local counter for %s: %v", debateID, err)
		}
	}
	// The shadow may be ahead of the primary if the fallback issued numbers
	// during an outage; report whichever is higher.
	s.mu.Lock()
	defer s.mu.Unlock()
	if primary > s.local[debateID] {
		s.local[debateID] = primary
	}
	return s.local[debateID]
}

// Reset clears the counter. Only called on explicit debate teardown.
func (s *Sequencer) Reset(ctx context.Context, debateID string) {
	if s.Client != nil {
		opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.Client.Del(opCtx, keyPrefix+debateID).Err(); err != nil {
			log.Printf("sequence: redis reset failed for %s: %v", debateID, err)
		}
		cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, debateID)
}

// observe keeps the local shadow at least as high as the last number the
// primary issued, so a mid-debate outage never goes backwards.
func (s *Sequencer) observe(debateID string, n int64) {
	s.mu.Lock()
	if n > s.local[debateID] {
		s.local[debateID] = n
	}
	s.mu.Unlock()
}

// reconcile folds a fresh primary increment with the local shadow. When the
// primary comes back behind numbers the fallback already handed out, its
// counter is bumped past the shadow so no value is ever issued twice.
func (s *Sequencer) reconcile(ctx context.Context, debateID string, n int64) (int64, error) {
	s.mu.Lock()
	shadow := s.local[debateID]
	if n > shadow {
		s.local[debateID] = n
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	m, err := s.Client.IncrBy(opCtx, keyPrefix+debateID, shadow+1-n).Result()
	cancel()
	if err != nil {
		return 0, err
	}
	s.observe(debateID, m)
	return m, nil
}
