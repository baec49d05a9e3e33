// Package router classifies free-text commands into an intent label and
// dispatches them through an ordered chain of intention handlers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/model"
)

// ErrNoHandler signals that no handler in the chain claimed the intent. The
// orchestrator treats it as a fallback trigger, not a hard failure.
var ErrNoHandler = errors.New("no handler claimed intent")

// Input is everything a handler gets to decide whether it wants a command.
type Input struct {
	Command     string
	Intent      model.IntentData
	SessionID   string
	Complexity  model.Complexity
	AgentStates map[string]bool
}

// IntentionHandler is one link of the routing chain. Handle returns
// (nil, nil) to decline, letting the next handler inspect the command.
type IntentionHandler interface {
	Name() string
	Handle(ctx context.Context, in Input) (*model.Response, error)
}

// RouterService owns intent detection and the handler chain. The chain order
// is fixed at construction: specific handlers first, catch-alls last.
type RouterService struct {
	client   llm.Client
	handlers []IntentionHandler

	cache *gocache.Cache
	group singleflight.Group

	logger *log.Logger
}

func New(client llm.Client, cacheTTL time.Duration, logger *log.Logger, handlers ...IntentionHandler) *RouterService {
	return &RouterService{
		client:   client,
		handlers: handlers,
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
		logger:   logger,
	}
}

const intentSystemPrompt = "You are a precise intent classification system. " +
	"Classify the user's command into exactly one of: weather, search, rag, " +
	"cooking, shopping, general_conversation. Respond with JSON only, in the " +
	`form {"intent": "...", "confidence": 0.0}.`

// DetectIntent classifies a command. It never fails: when the model is
// unreachable or returns garbage it degrades to keyword matching. Identical
// in-flight commands share one model call, and results are cached by
// normalized command text.
func (r *RouterService) DetectIntent(ctx context.Context, command string) model.IntentData {
	key := normalize(command)

	if cached, ok := r.cache.Get(key); ok {
		return cached.(model.IntentData)
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		intent := r.detect(ctx, command)
		r.cache.SetDefault(key, intent)
		return intent, nil
	})
	return v.(model.IntentData)
}

func (r *RouterService) detect(ctx context.Context, command string) model.IntentData {
	content, err := r.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: intentSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Classify this command: %q", command)},
	}, llm.ChatOptions{JSONMode: true})
	if err != nil {
		r.logf("intent model unavailable, using keyword fallback: %v", err)
		return ClassifyByKeywords(command)
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil || !knownIntent(parsed.Intent) {
		r.logf("unparsable intent %q, using keyword fallback", content)
		return ClassifyByKeywords(command)
	}

	confidence := parsed.Confidence
	if confidence == 0 {
		confidence = 1.0
	}
	return model.IntentData{Type: parsed.Intent, Confidence: confidence, Entities: map[string]string{}}
}

// RouteCommand walks the handler chain and returns the first handler's
// response. A handler error aborts the walk; a full pass with no claim
// returns ErrNoHandler.
func (r *RouterService) RouteCommand(ctx context.Context, in Input) (model.Response, error) {
	for _, h := range r.handlers {
		resp, err := h.Handle(ctx, in)
		if err != nil {
			return model.Response{}, fmt.Errorf("handler %s: %w", h.Name(), err)
		}
		if resp != nil {
			r.logf("routed intent=%s handler=%s session=%s", in.Intent.Type, h.Name(), in.SessionID)
			return *resp, nil
		}
	}
	r.logf("no handler for intent=%s session=%s", in.Intent.Type, in.SessionID)
	return model.Response{}, ErrNoHandler
}

// DeriveComplexity estimates how much model capacity a command needs. File
// attachments always rate complex; otherwise command length decides.
func DeriveComplexity(command string, file *model.FileInfo) model.Complexity {
	switch {
	case file != nil:
		return model.ComplexityComplex
	case len(command) > 400:
		return model.ComplexityComplex
	case len(command) < 40:
		return model.ComplexitySimple
	default:
		return model.ComplexityStandard
	}
}

func normalize(command string) string {
	return strings.Join(strings.Fields(strings.ToLower(command)), " ")
}

func knownIntent(intent string) bool {
	switch intent {
	case model.IntentWeather, model.IntentSearch, model.IntentRAG,
		model.IntentCooking, model.IntentShopping, model.IntentGeneral:
		return true
	}
	return false
}

// extractJSON pulls the first JSON object out of a completion, tolerating
// markdown code fences and surrounding prose.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		content = strings.TrimPrefix(content, "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func (r *RouterService) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("%s router: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
