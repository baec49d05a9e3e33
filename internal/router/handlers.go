package router

import (
	"context"

	"github.com/msageha/dispatchd/internal/model"
)

// AgentFunc invokes one agent. The daemon wires these as circuit-breaker
// wrapped calls into the agent registry.
type AgentFunc func(ctx context.Context, in Input) (model.Response, error)

// AgentHandler claims exactly one intent label and forwards matching
// commands to its agent. It declines when the intent differs or when the
// request explicitly disabled the agent via its enablement flags.
type AgentHandler struct {
	intent   string
	agentKey string
	fn       AgentFunc
}

func NewAgentHandler(intent, agentKey string, fn AgentFunc) *AgentHandler {
	return &AgentHandler{intent: intent, agentKey: agentKey, fn: fn}
}

func (h *AgentHandler) Name() string { return h.agentKey }

func (h *AgentHandler) Handle(ctx context.Context, in Input) (*model.Response, error) {
	if in.Intent.Type != h.intent {
		return nil, nil
	}
	if enabled, ok := in.AgentStates[h.agentKey]; ok && !enabled {
		return nil, nil
	}
	resp, err := h.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CatchAllHandler claims every command regardless of intent. Registered
// last, it guarantees the chain only misses when its agent is disabled.
type CatchAllHandler struct {
	agentKey string
	fn       AgentFunc
}

func NewCatchAllHandler(agentKey string, fn AgentFunc) *CatchAllHandler {
	return &CatchAllHandler{agentKey: agentKey, fn: fn}
}

func (h *CatchAllHandler) Name() string { return h.agentKey }

func (h *CatchAllHandler) Handle(ctx context.Context, in Input) (*model.Response, error) {
	if enabled, ok := in.AgentStates[h.agentKey]; ok && !enabled {
		return nil, nil
	}
	resp, err := h.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
