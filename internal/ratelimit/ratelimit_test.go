package ratelimit

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/msageha/dispatchd/internal/model"
)

func newTestLimiter() *RateLimiter {
	return New(model.LimitsConfig{}, log.New(&bytes.Buffer{}, "", 0))
}

// fixed clock helper so refill behaviour is deterministic in tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBucket(capacity int, refillRate float64) (*TokenBucket, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	b := NewTokenBucket(capacity, refillRate)
	b.now = c.now
	b.lastRefill = c.now()
	return b, c
}

func TestTokenBucket_ConsumeDecrementsExactly(t *testing.T) {
	b, _ := newTestBucket(10, 0)

	if !b.Consume(3) {
		t.Fatal("consume within capacity must succeed")
	}
	if got := b.Available(); got != 7 {
		t.Errorf("expected 7 tokens after consuming 3, got %v", got)
	}
}

func TestTokenBucket_FailedConsumeLeavesCountUnchanged(t *testing.T) {
	b, _ := newTestBucket(2, 0)

	if b.Consume(5) {
		t.Fatal("consume beyond available must fail")
	}
	if got := b.Available(); got != 2 {
		t.Errorf("failed consume must not change the count, got %v", got)
	}
}

func TestTokenBucket_RefillNeverExceedsCapacity(t *testing.T) {
	b, c := newTestBucket(5, 10)

	if !b.Consume(5) {
		t.Fatal("draining a full bucket must succeed")
	}

	// Far more idle time than needed to refill; the count is clamped.
	c.advance(time.Hour)
	if got := b.Available(); got != 5 {
		t.Errorf("expected capacity clamp at 5, got %v", got)
	}
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	b, c := newTestBucket(10, 1) // 1 token per second

	if !b.Consume(10) {
		t.Fatal("drain failed")
	}
	c.advance(500 * time.Millisecond)

	if b.Consume(1) {
		t.Error("half a token must not admit a whole-token request")
	}
	if got := b.Available(); got != 0.5 {
		t.Errorf("expected 0.5 tokens, got %v", got)
	}

	c.advance(500 * time.Millisecond)
	if !b.Consume(1) {
		t.Error("a full second of refill must admit one token")
	}
}

func TestLimiter_NoBucketsMeansNoLimit(t *testing.T) {
	rl := newTestLimiter()

	for i := 0; i < 50; i++ {
		if err := rl.Allow("weather", "user1"); err != nil {
			t.Fatalf("unlimited agent type must always admit, got %v", err)
		}
	}
}

func TestLimiter_GlobalDenialReportsLevel(t *testing.T) {
	rl := newTestLimiter()
	rl.SetGlobalLimit("search", 1, 0)

	if err := rl.Allow("search", ""); err != nil {
		t.Fatalf("first call within capacity failed: %v", err)
	}

	err := rl.Allow("search", "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %T", err)
	}
	if limitErr.Level != "global" {
		t.Errorf("expected global-level denial, got %s", limitErr.Level)
	}
}

func TestLimiter_GlobalAndUserCombination(t *testing.T) {
	rl := newTestLimiter()
	rl.SetGlobalLimit("rag", 2, 0)
	rl.SetUserLimit("rag", "user1", 1, 0)
	rl.SetUserLimit("rag", "user2", 5, 0)

	// user1's first call passes both levels.
	if err := rl.Allow("rag", "user1"); err != nil {
		t.Fatalf("user1 first call failed: %v", err)
	}

	// user1's second call hits the user limit. The global bucket still has
	// one token left, and the denied call must not have consumed it.
	err := rl.Allow("rag", "user1")
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Level != "user" {
		t.Fatalf("expected user-level denial, got %v", err)
	}

	// user2 takes the remaining global token.
	if err := rl.Allow("rag", "user2"); err != nil {
		t.Fatalf("user2 must get the remaining global token, got %v", err)
	}

	// Global is now exhausted: user2 is denied at the global level even
	// though their own bucket has tokens to spare.
	err = rl.Allow("rag", "user2")
	if !errors.As(err, &limitErr) || limitErr.Level != "global" {
		t.Fatalf("expected global-level denial, got %v", err)
	}
}

func TestLimiter_GlobalDenialLeavesUserBucketUntouched(t *testing.T) {
	rl := newTestLimiter()
	rl.SetGlobalLimit("cooking", 0, 0)
	rl.SetUserLimit("cooking", "user1", 3, 0)

	var limitErr *LimitError
	if err := rl.Allow("cooking", "user1"); !errors.As(err, &limitErr) || limitErr.Level != "global" {
		t.Fatalf("expected global-level denial, got %v", err)
	}

	rl.mu.RLock()
	user := rl.user["cooking"]["user1"]
	rl.mu.RUnlock()
	if got := user.Available(); got != 3 {
		t.Errorf("global denial must not consume user tokens, got %v", got)
	}
}

func TestLimiter_SeededFromConfig(t *testing.T) {
	cfg := model.LimitsConfig{
		Global: map[string]model.BucketConfig{
			"weather": {Capacity: 1, RefillRate: 0},
		},
		Users: []model.UserBucketConfig{
			{AgentType: "weather", UserID: "user1", Capacity: 1, RefillRate: 0},
		},
	}
	rl := New(cfg, log.New(&bytes.Buffer{}, "", 0))

	if err := rl.Allow("weather", "user1"); err != nil {
		t.Fatalf("seeded limits must admit within capacity, got %v", err)
	}
	if err := rl.Allow("weather", "user1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected denial past seeded capacity, got %v", err)
	}
}

func TestLimiter_ConcurrentAllowNeverOverAdmits(t *testing.T) {
	rl := newTestLimiter()
	rl.SetGlobalLimit("chat", 50, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Allow("chat", ""); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("expected exactly 50 admissions, got %d", admitted)
	}
}
