// Package ratelimit bounds throughput per agent type and, optionally, per
// user within an agent type, using lazily refilled token buckets.
package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/msageha/dispatchd/internal/model"
)

// ErrRateLimited matches all limiter rejections via errors.Is. Upstream maps
// it to a "too many requests" outcome.
var ErrRateLimited = errors.New("rate limited")

// LimitError reports which level (global or user) denied the request.
type LimitError struct {
	AgentType string
	UserID    string
	Level     string // "global" or "user"
}

func (e *LimitError) Error() string {
	if e.Level == "user" {
		return fmt.Sprintf("rate limit exceeded for %s (user %s)", e.AgentType, e.UserID)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.AgentType)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// TokenBucket holds up to capacity tokens and refills continuously at
// refillRate tokens per second. The count is recomputed from elapsed
// wall-clock time before every consume decision; there is no background
// timer. All mutation happens under the bucket's own mutex, since
// decrement-and-check must be atomic to prevent over-admission.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time

	now func() time.Time // swapped in tests
}

func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	b := &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Consume atomically takes n tokens if at least n are available. It reports
// whether the tokens were taken; on failure the bucket is left unchanged.
func (b *TokenBucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Available reports the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// RateLimiter owns the global (per agent type) and user-level (per
// agent-type and user) buckets. A missing bucket at either level means
// "no limit" at that level.
type RateLimiter struct {
	mu     sync.RWMutex
	global map[string]*TokenBucket
	user   map[string]map[string]*TokenBucket

	logger *log.Logger
}

// New builds a limiter pre-seeded from config.
func New(cfg model.LimitsConfig, logger *log.Logger) *RateLimiter {
	rl := &RateLimiter{
		global: make(map[string]*TokenBucket),
		user:   make(map[string]map[string]*TokenBucket),
		logger: logger,
	}
	for agentType, bucket := range cfg.Global {
		rl.SetGlobalLimit(agentType, bucket.Capacity, bucket.RefillRate)
	}
	for _, u := range cfg.Users {
		rl.SetUserLimit(u.AgentType, u.UserID, u.Capacity, u.RefillRate)
	}
	return rl
}

// SetGlobalLimit configures (or replaces) the global bucket for agentType.
func (rl *RateLimiter) SetGlobalLimit(agentType string, capacity int, refillRate float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.global[agentType] = NewTokenBucket(capacity, refillRate)
}

// SetUserLimit configures (or replaces) the bucket for (agentType, userID).
func (rl *RateLimiter) SetUserLimit(agentType, userID string, capacity int, refillRate float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.user[agentType] == nil {
		rl.user[agentType] = make(map[string]*TokenBucket)
	}
	rl.user[agentType][userID] = NewTokenBucket(capacity, refillRate)
}

// Allow consumes one token at each configured level for the request.
func (rl *RateLimiter) Allow(agentType, userID string) error {
	return rl.AllowN(agentType, userID, 1)
}

// AllowN checks the global bucket first; a global denial is reported without
// consuming from the user bucket. Both configured levels must admit the
// request for it to be allowed, and a denial at either level consumes
// nothing — a rejected request must not drain tokens the next caller could
// have used.
func (rl *RateLimiter) AllowN(agentType, userID string, n float64) error {
	rl.mu.RLock()
	global := rl.global[agentType]
	var user *TokenBucket
	if userID != "" {
		user = rl.user[agentType][userID]
	}
	rl.mu.RUnlock()

	switch {
	case global == nil && user == nil:
		return nil
	case user == nil:
		if !global.Consume(n) {
			rl.logf("denied level=global agent=%s", agentType)
			return &LimitError{AgentType: agentType, Level: "global"}
		}
		return nil
	case global == nil:
		if !user.Consume(n) {
			rl.logf("denied level=user agent=%s user=%s", agentType, userID)
			return &LimitError{AgentType: agentType, UserID: userID, Level: "user"}
		}
		return nil
	}

	// Both levels configured: decrement-and-check spans two buckets, so hold
	// both locks (always global before user, which rules out lock inversion)
	// and commit either both decrements or neither.
	global.mu.Lock()
	defer global.mu.Unlock()
	user.mu.Lock()
	defer user.mu.Unlock()

	global.refill()
	user.refill()

	if global.tokens < n {
		rl.logf("denied level=global agent=%s", agentType)
		return &LimitError{AgentType: agentType, Level: "global"}
	}
	if user.tokens < n {
		rl.logf("denied level=user agent=%s user=%s", agentType, userID)
		return &LimitError{AgentType: agentType, UserID: userID, Level: "user"}
	}

	global.tokens -= n
	user.tokens -= n
	return nil
}

func (rl *RateLimiter) logf(format string, args ...any) {
	if rl.logger == nil {
		return
	}
	rl.logger.Printf("%s ratelimit: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
