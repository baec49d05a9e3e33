package daemon

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/uds"
)

// registerHandlers wires the control-socket command set.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("enqueue", d.handleEnqueue)
	d.server.Handle("stats", d.handleStats)
	d.server.Handle("dead_letters", d.handleDeadLetters)
	d.server.Handle("scan", d.handleScan)
	d.server.Handle("shutdown", d.handleShutdown)
}

func (d *Daemon) handlePing(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]string{
		"status":  "ok",
		"project": d.config.Project.Name,
	})
}

type enqueueParams struct {
	Command     string          `json:"command"`
	SessionID   string          `json:"session_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	File        *model.FileInfo `json:"file,omitempty"`
	AgentStates map[string]bool `json:"agent_states,omitempty"`
}

func (d *Daemon) handleEnqueue(req *uds.Request) *uds.Response {
	var params enqueueParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid enqueue params: "+err.Error())
	}
	if strings.TrimSpace(params.Command) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "command must not be empty")
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = model.NewID(model.IDTypeSession)
	}

	id, err := d.enqueueCommand(params.Command, sessionID, queue.EnqueueOptions{
		UserID:      params.UserID,
		File:        params.File,
		AgentStates: params.AgentStates,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return uds.ErrorResponse(uds.ErrCodeOverloaded, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	return uds.SuccessResponse(map[string]string{
		"request_id": id,
		"session_id": sessionID,
	})
}

type breakerStats struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

func (d *Daemon) handleStats(req *uds.Request) *uds.Response {
	breakers := make(map[string]breakerStats)
	for _, agentType := range d.registry.Types() {
		if b, ok := d.registry.Breaker(agentType); ok {
			breakers[agentType] = breakerStats{
				State:        string(b.State()),
				FailureCount: b.FailureCount(),
			}
		}
	}

	return uds.SuccessResponse(map[string]any{
		"queue_depth":       d.requests.Depth(),
		"dead_letter_depth": d.requests.DeadLetterDepth(),
		"served_total":      d.served.Load(),
		"uptime_sec":        int(time.Since(d.startedAt).Seconds()),
		"consumers":         d.config.Daemon.Consumers,
		"breakers":          breakers,
	})
}

func (d *Daemon) handleDeadLetters(req *uds.Request) *uds.Response {
	letters := d.requests.DeadLetters()
	out := make([]map[string]any, 0, len(letters))
	for _, dl := range letters {
		out = append(out, map[string]any{
			"request_id":       dl.Request.ID,
			"session_id":       dl.Request.SessionID,
			"command":          dl.Request.Command,
			"reason":           dl.Reason,
			"detail":           dl.Detail,
			"retry_count":      dl.Request.RetryCount,
			"dead_lettered_at": dl.DeadLetteredAt,
		})
	}
	return uds.SuccessResponse(map[string]any{
		"count":   len(out),
		"entries": out,
	})
}

func (d *Daemon) handleScan(req *uds.Request) *uds.Response {
	d.scanInbox()
	d.collector.UpdateQueueStats(d.requests.Depth(), d.requests.DeadLetterDepth())
	return uds.SuccessResponse(map[string]string{"status": "scanned"})
}

func (d *Daemon) handleShutdown(req *uds.Request) *uds.Response {
	d.log(LogLevelInfo, "shutdown requested via UDS")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}
