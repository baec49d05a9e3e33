// Package queue implements admission control for incoming user commands:
// a bounded FIFO of pending requests plus an unbounded dead-letter queue for
// overflow and retry-exhausted entries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/dispatchd/internal/model"
	yamlutil "github.com/msageha/dispatchd/internal/yaml"
)

var (
	// ErrQueueFull is returned when admission is rejected because the live
	// queue is at capacity. The request is dead-lettered for audit, never
	// silently dropped.
	ErrQueueFull = errors.New("request queue full: service temporarily unavailable")
	// ErrRetryExhausted is returned by Requeue when the retry budget is spent
	// and the request has been moved permanently to the dead-letter queue.
	ErrRetryExhausted = errors.New("retry budget exhausted: request dead-lettered")
)

// Dead-letter reasons recorded in archive entries.
const (
	ReasonOverflow       = "queue_overflow"
	ReasonRetryExhausted = "retry_exhausted"
)

// DeadLetter is a terminally failed request held for audit.
type DeadLetter struct {
	Request      model.QueuedRequest `yaml:"request"`
	Reason       string              `yaml:"reason"`
	Detail       string              `yaml:"detail,omitempty"`
	DeadLetteredAt time.Time         `yaml:"dead_lettered_at"`
}

// EnqueueOptions carries the optional attributes of a command.
type EnqueueOptions struct {
	UserID      string
	File        *model.FileInfo
	AgentStates map[string]bool
}

// RequestQueue provides at-least-once delivery with bounded retries.
// Enqueue is reject-on-full (admission sheds load); Requeue blocks until
// space frees up, since retries are rare relative to throughput. The
// asymmetry is deliberate.
type RequestQueue struct {
	queue          chan model.QueuedRequest
	maxRetries     int
	dequeueTimeout time.Duration

	mu   sync.Mutex
	dead []DeadLetter

	archiveDir string // empty disables on-disk archiving
	logger     *log.Logger
}

// New creates a RequestQueue. archiveDir may be empty to keep dead letters
// in memory only.
func New(cfg model.QueueConfig, archiveDir string, logger *log.Logger) *RequestQueue {
	return &RequestQueue{
		queue:          make(chan model.QueuedRequest, cfg.MaxSize),
		maxRetries:     cfg.MaxRetries,
		dequeueTimeout: time.Duration(cfg.DequeueTimeoutMs) * time.Millisecond,
		archiveDir:     archiveDir,
		logger:         logger,
	}
}

// Enqueue admits a command and returns its generated request ID. If the live
// queue is full the request is moved to the dead-letter queue and
// ErrQueueFull is returned; the caller must not be made to wait for space.
func (q *RequestQueue) Enqueue(command, sessionID string, opts EnqueueOptions) (string, error) {
	req := model.QueuedRequest{
		ID:          model.NewID(model.IDTypeRequest),
		Command:     command,
		SessionID:   sessionID,
		UserID:      opts.UserID,
		File:        opts.File,
		AgentStates: opts.AgentStates,
		EnqueuedAt:  time.Now().UTC(),
		Status:      model.StatusPending,
	}

	select {
	case q.queue <- req:
		q.logf("enqueue id=%s session=%s depth=%d", req.ID, req.SessionID, len(q.queue))
		return req.ID, nil
	default:
		q.deadLetter(req, ReasonOverflow, "live queue at capacity")
		q.logf("enqueue_rejected id=%s session=%s reason=%s", req.ID, req.SessionID, ReasonOverflow)
		return "", ErrQueueFull
	}
}

// Dequeue waits up to the configured dequeue timeout for the next request.
// It returns nil when the queue stayed empty or ctx was cancelled, so the
// consumer loop can interleave shutdown checks and periodic work.
func (q *RequestQueue) Dequeue(ctx context.Context) *model.QueuedRequest {
	timer := time.NewTimer(q.dequeueTimeout)
	defer timer.Stop()

	select {
	case req := <-q.queue:
		q.setStatus(&req, model.StatusInProgress)
		q.logf("dequeue id=%s retry=%d", req.ID, req.RetryCount)
		return &req
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Requeue puts a failed request back at the tail of the live queue,
// incrementing its retry count. Once the count exceeds the retry budget the
// request is permanently dead-lettered and ErrRetryExhausted is returned.
func (q *RequestQueue) Requeue(req *model.QueuedRequest, reason string) error {
	req.RetryCount++
	if req.RetryCount > q.maxRetries {
		q.deadLetter(*req, ReasonRetryExhausted, reason)
		q.logf("requeue_exhausted id=%s retries=%d reason=%s", req.ID, req.RetryCount-1, reason)
		return ErrRetryExhausted
	}

	// Blocking insert: a requeued request loses its original position and
	// reappears after everything queued at requeue time.
	q.setStatus(req, model.StatusPending)
	q.queue <- *req
	q.logf("requeue id=%s retry=%d/%d reason=%s", req.ID, req.RetryCount, q.maxRetries, reason)
	return nil
}

// Depth reports the current number of pending requests.
func (q *RequestQueue) Depth() int {
	return len(q.queue)
}

// DeadLetterDepth reports the current dead-letter queue size.
func (q *RequestQueue) DeadLetterDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

// DeadLetters returns a copy of the dead-letter queue, newest last.
func (q *RequestQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// setStatus applies a lifecycle transition, logging (but not dropping the
// request) if the state machine is violated.
func (q *RequestQueue) setStatus(req *model.QueuedRequest, to model.Status) {
	if err := model.ValidateRequestTransition(req.Status, to); err != nil {
		q.logf("status_violation id=%s error=%v", req.ID, err)
	}
	req.Status = to
}

func (q *RequestQueue) deadLetter(req model.QueuedRequest, reason, detail string) {
	q.setStatus(&req, model.StatusDeadLetter)
	entry := DeadLetter{
		Request:        req,
		Reason:         reason,
		Detail:         detail,
		DeadLetteredAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.dead = append(q.dead, entry)
	q.mu.Unlock()

	if q.archiveDir == "" {
		return
	}
	if err := q.archive(entry); err != nil {
		q.logf("archive_dead_letter id=%s error=%v", req.ID, err)
	}
}

// archive writes one dead-letter entry per file so same-second entries never
// collide (the request ID is part of the filename).
func (q *RequestQueue) archive(entry DeadLetter) error {
	if err := os.MkdirAll(q.archiveDir, 0755); err != nil {
		return fmt.Errorf("create dead_letters dir: %w", err)
	}

	type archiveEntry struct {
		SchemaVersion int        `yaml:"schema_version"`
		FileType      string     `yaml:"file_type"`
		Entry         DeadLetter `yaml:"entry"`
	}

	filename := fmt.Sprintf("%s_%s_%s.yaml",
		entry.Reason,
		entry.DeadLetteredAt.Format("20060102T150405Z"),
		entry.Request.ID)

	return yamlutil.AtomicWrite(filepath.Join(q.archiveDir, filename), archiveEntry{
		SchemaVersion: 1,
		FileType:      "dead_letter",
		Entry:         entry,
	})
}

func (q *RequestQueue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf("%s queue: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
