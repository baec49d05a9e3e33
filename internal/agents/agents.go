// Package agents holds the built-in command handlers and the registry that
// wraps each one in its own circuit breaker.
package agents

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/msageha/dispatchd/internal/breaker"
	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/model"
)

// Input is one command as seen by an agent.
type Input struct {
	Command    string
	SessionID  string
	Complexity model.Complexity
	File       *model.FileInfo
}

// Agent processes one kind of command.
type Agent interface {
	Type() string
	Process(ctx context.Context, in Input) (model.Response, error)
}

// Registry maps agent types to breaker-wrapped agents. One breaker per
// agent: a failing weather backend must not open the circuit for chat.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	breakers map[string]*breaker.Breaker

	breakerCfg model.BreakerConfig
	logger     *log.Logger
}

func NewRegistry(breakerCfg model.BreakerConfig, logger *log.Logger) *Registry {
	return &Registry{
		agents:     make(map[string]Agent),
		breakers:   make(map[string]*breaker.Breaker),
		breakerCfg: breakerCfg,
		logger:     logger,
	}
}

// Register adds an agent and creates its breaker. Re-registering a type
// replaces the agent but keeps the existing breaker state.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type()] = a
	if _, ok := r.breakers[a.Type()]; !ok {
		r.breakers[a.Type()] = breaker.New(a.Type(), r.breakerCfg, r.logger)
	}
}

// Process routes one input through the named agent's breaker.
func (r *Registry) Process(ctx context.Context, agentType string, in Input) (model.Response, error) {
	r.mu.RLock()
	a, ok := r.agents[agentType]
	b := r.breakers[agentType]
	r.mu.RUnlock()
	if !ok {
		return model.Response{}, fmt.Errorf("no agent registered for type %q", agentType)
	}

	return b.Do(ctx, func(ctx context.Context) (model.Response, error) {
		return a.Process(ctx, in)
	})
}

// Breaker exposes the named agent's breaker, mainly for stats reporting.
func (r *Registry) Breaker(agentType string) (*breaker.Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[agentType]
	return b, ok
}

// Types lists registered agent types, sorted for stable output.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterBuiltins registers the stock agents for every enabled entry in
// cfg. An absent entry counts as enabled; only enabled: false excludes.
func (r *Registry) RegisterBuiltins(client llm.Client, cfg map[string]model.AgentConfig) {
	builtins := []Agent{
		NewWeatherAgent(client),
		NewSearchAgent(client),
		NewRAGAgent(client),
		NewChatAgent(client),
	}
	for _, a := range builtins {
		if c, ok := cfg[a.Type()]; ok && !c.Enabled {
			continue
		}
		r.Register(a)
	}
}
