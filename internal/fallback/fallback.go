// Package fallback degrades the dispatch path gracefully: when primary
// handling fails, an ordered chain of strategies is tried until one produces
// a response. The terminal strategy always succeeds, so every consumed
// request yields a response object.
package fallback

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/model"
)

// MinimalApology is the text of the guaranteed terminal response.
const MinimalApology = "I'm sorry, I couldn't process your request right now. Please try again later."

// Input carries what a strategy needs to retry a failed command.
type Input struct {
	Command   string
	SessionID string
	Intent    model.IntentData
}

// Strategy is one link of the fallback chain. Attempt returns (nil, nil)
// or an error to decline; either way the chain moves on to the next entry.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, in Input, cause error) (*model.Response, error)
}

// PromptRewritingStrategy asks the model to simplify the command, then
// retries the primary model with the rewritten text.
type PromptRewritingStrategy struct {
	client llm.Client
}

func NewPromptRewritingStrategy(client llm.Client) *PromptRewritingStrategy {
	return &PromptRewritingStrategy{client: client}
}

func (s *PromptRewritingStrategy) Name() string { return "prompt_rewriting" }

func (s *PromptRewritingStrategy) Attempt(ctx context.Context, in Input, cause error) (*model.Response, error) {
	rewritten, err := s.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: "Rewrite the following request to be simpler and more direct. Reply with the rewritten request only: " + in.Command},
	}, llm.ChatOptions{})
	if err != nil {
		return nil, fmt.Errorf("rewrite prompt: %w", err)
	}

	answer, err := s.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: rewritten},
	}, llm.ChatOptions{})
	if err != nil {
		return nil, fmt.Errorf("answer rewritten prompt: %w", err)
	}

	return &model.Response{
		Success: true,
		Text:    answer,
		Metadata: map[string]any{
			"strategy":          s.Name(),
			"original_command":  in.Command,
			"rewritten_command": rewritten,
		},
	}, nil
}

// SimplifiedModelStrategy retries the original command against the cheaper
// fallback model.
type SimplifiedModelStrategy struct {
	client llm.Client
}

func NewSimplifiedModelStrategy(client llm.Client) *SimplifiedModelStrategy {
	return &SimplifiedModelStrategy{client: client}
}

func (s *SimplifiedModelStrategy) Name() string { return "simplified_model" }

func (s *SimplifiedModelStrategy) Attempt(ctx context.Context, in Input, cause error) (*model.Response, error) {
	answer, err := s.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: in.Command},
	}, llm.ChatOptions{Model: s.client.FallbackModel()})
	if err != nil {
		return nil, fmt.Errorf("simplified model: %w", err)
	}

	return &model.Response{
		Success: true,
		Text:    answer,
		Metadata: map[string]any{
			"strategy": s.Name(),
			"model":    s.client.FallbackModel(),
		},
	}, nil
}

// MinimalResponseStrategy is the terminal safety net: a static apology that
// needs no model call and cannot fail.
type MinimalResponseStrategy struct{}

func (MinimalResponseStrategy) Name() string { return "minimal_response" }

func (MinimalResponseStrategy) Attempt(ctx context.Context, in Input, cause error) (*model.Response, error) {
	return &model.Response{
		Success:  true,
		Text:     MinimalApology,
		Metadata: map[string]any{"strategy": "minimal_response"},
	}, nil
}

// Manager walks the strategy chain in order.
type Manager struct {
	strategies []Strategy
	logger     *log.Logger
}

// NewManager builds the default chain: rewrite, cheaper model, minimal
// apology. The order is the contract; the last entry must always succeed.
func NewManager(client llm.Client, logger *log.Logger) *Manager {
	return &Manager{
		strategies: []Strategy{
			NewPromptRewritingStrategy(client),
			NewSimplifiedModelStrategy(client),
			MinimalResponseStrategy{},
		},
		logger: logger,
	}
}

// NewManagerWithStrategies builds a manager over a custom chain, for callers
// that need to reorder or stub strategies.
func NewManagerWithStrategies(logger *log.Logger, strategies ...Strategy) *Manager {
	return &Manager{strategies: strategies, logger: logger}
}

// ExecuteFallback tries each strategy until one returns a successful
// response. It always returns a response: even a fully failing chain ends in
// the static apology.
func (m *Manager) ExecuteFallback(ctx context.Context, in Input, cause error) model.Response {
	for _, s := range m.strategies {
		resp, err := s.Attempt(ctx, in, cause)
		if err != nil {
			m.logf("strategy %s declined: %v", s.Name(), err)
			continue
		}
		if resp == nil || !resp.Success {
			m.logf("strategy %s produced no usable response", s.Name())
			continue
		}
		m.logf("strategy %s recovered session=%s cause=%v", s.Name(), in.SessionID, cause)
		return *resp
	}

	// Unreachable with a well-formed chain; kept so a misconfigured chain
	// still honors the always-a-response contract.
	return model.Response{
		Success:  true,
		Text:     MinimalApology,
		Metadata: map[string]any{"strategy": "minimal_response"},
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf("%s fallback: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
