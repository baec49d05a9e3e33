package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/dispatchd/internal/events"
	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	yamlutil "github.com/msageha/dispatchd/internal/yaml"
)

// commandFile is the YAML schema accepted in the inbox directory.
type commandFile struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Command       string          `yaml:"command"`
	SessionID     string          `yaml:"session_id"`
	UserID        string          `yaml:"user_id"`
	File          *model.FileInfo `yaml:"file"`
	AgentStates   map[string]bool `yaml:"agent_states"`
}

// scanInbox sweeps the inbox for command files the watcher may have missed.
func (d *Daemon) scanInbox() {
	entries, err := os.ReadDir(d.inboxDir())
	if err != nil {
		d.log(LogLevelError, "inbox scan: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		d.handleInboxFile(filepath.Join(d.inboxDir(), entry.Name()))
	}
}

// handleInboxFile parses and enqueues one dropped command file. Well-formed
// files are consumed (removed); malformed ones are quarantined in place with
// a .rejected suffix. A full queue leaves the file for the next scan.
func (d *Daemon) handleInboxFile(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return
	}

	var cf commandFile
	if err := yamlutil.ReadInto(path, &cf); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Consumed by a concurrent scan.
			return
		}
		d.quarantine(path, err.Error())
		return
	}
	if cf.FileType != "command" || strings.TrimSpace(cf.Command) == "" {
		d.quarantine(path, "not a command file or empty command")
		return
	}
	if cf.SessionID == "" {
		cf.SessionID = model.NewID(model.IDTypeSession)
	}

	id, err := d.enqueueCommand(cf.Command, cf.SessionID, queue.EnqueueOptions{
		UserID:      cf.UserID,
		File:        cf.File,
		AgentStates: cf.AgentStates,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			// Retried on the next tick; the file is the backlog.
			d.log(LogLevelWarn, "inbox file=%s deferred: %v", name, err)
			return
		}
		d.quarantine(path, err.Error())
		return
	}

	if err := os.Remove(path); err != nil {
		d.log(LogLevelError, "remove inbox file=%s: %v", name, err)
	}
	d.log(LogLevelInfo, "inbox enqueued id=%s file=%s", id, name)
}

func (d *Daemon) quarantine(path, reason string) {
	if err := yamlutil.Quarantine(path); err != nil {
		d.log(LogLevelError, "quarantine %s: %v", filepath.Base(path), err)
		return
	}
	d.log(LogLevelWarn, "quarantined file=%s reason=%s", filepath.Base(path), reason)
}

// enqueueCommand is the single admission point shared by the inbox and the
// control socket: it updates metrics and publishes lifecycle events.
func (d *Daemon) enqueueCommand(command, sessionID string, opts queue.EnqueueOptions) (string, error) {
	id, err := d.requests.Enqueue(command, sessionID, opts)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			d.collector.RecordRejected()
			d.collector.RecordDeadLettered()
			d.bus.Publish(events.EventRequestDeadLettered, map[string]interface{}{
				"session_id": sessionID,
				"reason":     queue.ReasonOverflow,
			})
		}
		return "", err
	}

	d.collector.RecordEnqueue()
	d.bus.Publish(events.EventRequestEnqueued, map[string]interface{}{
		"request_id": id,
		"session_id": sessionID,
	})
	return id, nil
}
