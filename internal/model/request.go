package model

import "time"

// FileInfo carries metadata for a file attached to a user command. The file
// body itself is stored by the upload layer; the dispatch core only routes
// the reference.
type FileInfo struct {
	Name        string `yaml:"name" json:"name"`
	ContentType string `yaml:"content_type" json:"content_type"`
	SizeBytes   int64  `yaml:"size_bytes" json:"size_bytes"`
}

// QueuedRequest is an admitted, not-yet-served user command. It is owned by
// the queue until dequeued by a consumer; only Requeue mutates RetryCount.
type QueuedRequest struct {
	ID          string          `yaml:"id" json:"id"`
	Command     string          `yaml:"command" json:"command"`
	SessionID   string          `yaml:"session_id" json:"session_id"`
	UserID      string          `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	File        *FileInfo       `yaml:"file,omitempty" json:"file,omitempty"`
	AgentStates map[string]bool `yaml:"agent_states,omitempty" json:"agent_states,omitempty"`
	EnqueuedAt  time.Time       `yaml:"enqueued_at" json:"enqueued_at"`
	RetryCount  int             `yaml:"retry_count" json:"retry_count"`
	Status      Status          `yaml:"status" json:"status"`
}

// IntentData is the result of intent classification for a command.
type IntentData struct {
	Type       string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// Known intent labels produced by the router.
const (
	IntentWeather  = "weather"
	IntentSearch   = "search"
	IntentRAG      = "rag"
	IntentCooking  = "cooking"
	IntentShopping = "shopping"
	IntentGeneral  = "general_conversation"
)

// Complexity is a coarse hint about how much model capacity a command needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// Response is the outcome delivered for a dispatched request. Success=false
// responses still carry user-presentable Text (the apology path); Error is
// diagnostic, not user-facing.
type Response struct {
	Success  bool           `json:"success"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}
