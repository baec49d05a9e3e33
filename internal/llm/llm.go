// Package llm is a thin chat-completion client for an Ollama-compatible
// endpoint. Agents and the router depend on the Client interface; the HTTP
// implementation is the only production provider.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/msageha/dispatchd/internal/model"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// ChatOptions tunes a single completion call. Zero values fall back to the
// client's configured defaults.
type ChatOptions struct {
	Model       string
	Temperature float64
	JSONMode    bool // ask the server for a JSON-only completion
}

// Client is the completion surface the rest of the daemon programs against.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
	DefaultModel() string
	FallbackModel() string
}

// OllamaClient talks to the /api/chat endpoint of an Ollama server (or
// anything wire-compatible with it).
type OllamaClient struct {
	baseURL       string
	model         string
	fallbackModel string
	temperature   float64
	httpClient    *http.Client
}

// New builds a client from config. The HTTP timeout doubles as the hard upper
// bound on any completion; callers pass shorter deadlines via ctx.
func New(cfg model.LLMConfig) *OllamaClient {
	return &OllamaClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		temperature:   cfg.Temperature,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

func (c *OllamaClient) DefaultModel() string  { return c.model }
func (c *OllamaClient) FallbackModel() string { return c.fallbackModel }

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

// Chat performs one non-streaming completion and returns the assistant
// message content.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	modelName := opts.Model
	if modelName == "" {
		modelName = c.model
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	payload := chatRequest{
		Model:    modelName,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": temperature},
	}
	if opts.JSONMode {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat request: %s returned %s", modelName, resp.Status)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("chat completion: %s", decoded.Error)
	}
	return decoded.Message.Content, nil
}
