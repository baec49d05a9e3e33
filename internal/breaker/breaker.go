// Package breaker implements a circuit breaker for fallible agent and model
// operations. One Breaker instance protects one operation; it never
// suppresses the underlying error, it only decides whether to attempt the
// call at all.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/msageha/dispatchd/internal/model"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen matches fail-fast rejections via errors.Is. Callers use it
// to skip straight to fallback instead of burning a timeout on a dependency
// that is known-unhealthy.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError carries the remaining cooldown so callers and logs can report
// when a retry becomes worthwhile.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %.1fs", e.Name, e.Remaining.Seconds())
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Operation is the shape of calls a Breaker can protect.
type Operation func(ctx context.Context) (model.Response, error)

// Breaker is the per-operation state machine. All transitions happen inside
// the invocation path; nothing mutates the state externally.
type Breaker struct {
	name string

	failureThreshold  int
	recoveryTimeout   time.Duration
	halfOpenThreshold int

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailure       time.Time
	halfOpenSuccesses int

	logger *log.Logger
}

func New(name string, cfg model.BreakerConfig, logger *log.Logger) *Breaker {
	return &Breaker{
		name:              name,
		failureThreshold:  cfg.FailureThreshold,
		recoveryTimeout:   time.Duration(cfg.RecoveryTimeoutSec * float64(time.Second)),
		halfOpenThreshold: cfg.HalfOpenThreshold,
		state:             StateClosed,
		logger:            logger,
	}
}

// Wrap returns a new callable that routes op through this breaker. The
// returned operation shares the breaker's state with every other callable
// wrapped by the same instance.
func (b *Breaker) Wrap(op Operation) Operation {
	return func(ctx context.Context) (model.Response, error) {
		return b.Do(ctx, op)
	}
}

// Do invokes op under the breaker's admission rules.
func (b *Breaker) Do(ctx context.Context, op Operation) (model.Response, error) {
	if err := b.admit(); err != nil {
		return model.Response{}, err
	}

	resp, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return resp, err
	}

	b.recordSuccess()
	return resp, nil
}

// admit decides whether the call may proceed. While OPEN it fails fast until
// the recovery timeout elapses, at which point the breaker moves to
// HALF_OPEN and the call goes through as a trial.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := time.Since(b.lastFailure)
	if elapsed < b.recoveryTimeout {
		return &OpenError{Name: b.name, Remaining: b.recoveryTimeout - elapsed}
	}

	b.state = StateHalfOpen
	b.halfOpenSuccesses = 0
	b.logf("half_open trial starts after %.1fs cooldown", elapsed.Seconds())
	return nil
}

// recordFailure counts every error, timestamped, regardless of state. A
// single failure while HALF_OPEN re-opens immediately; CLOSED opens once the
// threshold is reached (the counter is preserved at that instant, reset only
// on the transition back into CLOSED).
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	switch {
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.state = StateOpen
		b.logf("opened after %d consecutive failures", b.failureCount)
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.logf("re-opened during half-open trial")
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.halfOpenThreshold {
		b.state = StateClosed
		b.failureCount = 0
		b.lastFailure = time.Time{}
		b.halfOpenSuccesses = 0
		b.logf("reset to closed")
	}
}

// State reports the current state for stats and monitoring.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount reports the consecutive-failure counter.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf("%s breaker[%s]: %s", time.Now().Format(time.RFC3339), b.name, fmt.Sprintf(format, args...))
}
