package daemon

import (
	"errors"
	"time"

	"github.com/msageha/dispatchd/internal/breaker"
	"github.com/msageha/dispatchd/internal/events"
	"github.com/msageha/dispatchd/internal/fallback"
	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/ratelimit"
	"github.com/msageha/dispatchd/internal/router"
)

// consumerLoop dequeues and serves requests until shutdown. The bounded
// dequeue wait keeps the loop responsive to ctx cancellation.
func (d *Daemon) consumerLoop(id int) {
	defer d.wg.Done()
	d.log(LogLevelDebug, "consumer %d started", id)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		req := d.requests.Dequeue(d.ctx)
		if req == nil {
			continue
		}
		d.processRequest(req)
	}
}

// processRequest runs the dispatch pipeline for one request. Requests within
// a session serialize on the session's mutex; different sessions proceed in
// parallel across consumers.
func (d *Daemon) processRequest(req *model.QueuedRequest) {
	start := time.Now()

	d.sessions.WithLock(req.SessionID, func() {
		resp, terminal := d.dispatch(req)
		if !terminal {
			return
		}

		d.served.Add(1)
		d.collector.RecordCompleted(time.Since(start).Seconds())
		d.bus.Publish(events.EventRequestCompleted, map[string]interface{}{
			"request_id": req.ID,
			"session_id": req.SessionID,
			"success":    resp.Success,
			"retry":      req.RetryCount,
		})
		d.log(LogLevelInfo, "served id=%s session=%s success=%t latency=%.3fs",
			req.ID, req.SessionID, resp.Success, time.Since(start).Seconds())
	})
}

// dispatch produces a response for the request, or requeues it. The second
// return value reports whether the request reached a terminal outcome (a
// response exists); a requeued request is not terminal.
func (d *Daemon) dispatch(req *model.QueuedRequest) (model.Response, bool) {
	intent := d.router.DetectIntent(d.ctx, req.Command)
	d.log(LogLevelDebug, "intent id=%s type=%s confidence=%.2f", req.ID, intent.Type, intent.Confidence)

	// Admission to the agent: global bucket, then the user's.
	if err := d.limiter.Allow(intent.Type, req.UserID); err != nil {
		var limitErr *ratelimit.LimitError
		level := "global"
		if errors.As(err, &limitErr) {
			level = limitErr.Level
		}
		d.collector.RecordRateLimited(level)
		d.bus.Publish(events.EventRequestRateLimited, map[string]interface{}{
			"request_id": req.ID,
			"session_id": req.SessionID,
			"agent_type": intent.Type,
			"level":      level,
		})
		// Denied requests are answered, not retried: retrying would consume
		// the same bucket again.
		return model.Response{Success: false, Text: "Too many requests. Please slow down and try again.", Error: err.Error()}, true
	}

	in := router.Input{
		Command:     req.Command,
		Intent:      intent,
		SessionID:   req.SessionID,
		Complexity:  router.DeriveComplexity(req.Command, req.File),
		AgentStates: req.AgentStates,
	}

	resp, err := d.router.RouteCommand(d.ctx, in)
	switch {
	case err == nil:
		return resp, true

	case errors.Is(err, breaker.ErrCircuitOpen):
		// Known-unhealthy agent: skip straight to fallback instead of
		// burning the retry budget.
		var openErr *breaker.OpenError
		agent := intent.Type
		if errors.As(err, &openErr) {
			agent = openErr.Name
		}
		d.collector.RecordCircuitOpen(agent)
		d.bus.Publish(events.EventCircuitOpened, map[string]interface{}{
			"request_id": req.ID,
			"agent_type": agent,
		})
		return d.fallbackResponse(req, in, err), true

	case errors.Is(err, router.ErrNoHandler):
		return d.fallbackResponse(req, in, err), true

	default:
		// Transient failure: give the request back to the queue.
		if requeueErr := d.requests.Requeue(req, err.Error()); requeueErr != nil {
			d.collector.RecordDeadLettered()
			d.bus.Publish(events.EventRequestDeadLettered, map[string]interface{}{
				"request_id": req.ID,
				"session_id": req.SessionID,
				"reason":     queue.ReasonRetryExhausted,
				"error":      err.Error(),
			})
			// The original caller still gets a response object through the
			// fallback chain.
			return d.fallbackResponse(req, in, err), true
		}
		d.collector.RecordRequeued()
		d.bus.Publish(events.EventRequestRequeued, map[string]interface{}{
			"request_id": req.ID,
			"session_id": req.SessionID,
			"retry":      req.RetryCount,
			"error":      err.Error(),
		})
		return model.Response{}, false
	}
}

func (d *Daemon) fallbackResponse(req *model.QueuedRequest, in router.Input, cause error) model.Response {
	resp := d.fallbacks.ExecuteFallback(d.ctx, fallback.Input{
		Command:   req.Command,
		SessionID: req.SessionID,
		Intent:    in.Intent,
	}, cause)

	strategy := "unknown"
	if s, ok := resp.Metadata["strategy"].(string); ok {
		strategy = s
	}
	d.collector.RecordFallback(strategy)
	d.bus.Publish(events.EventFallbackUsed, map[string]interface{}{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"strategy":   strategy,
		"cause":      cause.Error(),
	})
	return resp
}
