package router

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/model"
)

// fakeClient scripts completions and counts calls.
type fakeClient struct {
	mu      sync.Mutex
	calls   int32
	content string
	err     error
	delay   time.Duration
}

func (f *fakeClient) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.err
}

func (f *fakeClient) DefaultModel() string  { return "fake" }
func (f *fakeClient) FallbackModel() string { return "fake-small" }

func newTestRouter(client llm.Client, handlers ...IntentionHandler) *RouterService {
	return New(client, time.Minute, log.New(&bytes.Buffer{}, "", 0), handlers...)
}

func TestDetectIntent_ParsesModelJSON(t *testing.T) {
	client := &fakeClient{content: `{"intent": "weather", "confidence": 0.92}`}
	r := newTestRouter(client)

	intent := r.DetectIntent(context.Background(), "will it rain tomorrow")
	assert.Equal(t, model.IntentWeather, intent.Type)
	assert.Equal(t, 0.92, intent.Confidence)
}

func TestDetectIntent_ToleratesMarkdownFences(t *testing.T) {
	client := &fakeClient{content: "```json\n{\"intent\": \"search\"}\n```"}
	r := newTestRouter(client)

	intent := r.DetectIntent(context.Background(), "what is a dead letter queue")
	assert.Equal(t, model.IntentSearch, intent.Type)
	// Absent confidence defaults to full trust in the model's label.
	assert.Equal(t, 1.0, intent.Confidence)
}

func TestDetectIntent_ModelErrorFallsBackToKeywords(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	r := newTestRouter(client)

	intent := r.DetectIntent(context.Background(), "what is the weather forecast")
	assert.Equal(t, model.IntentWeather, intent.Type)
	assert.Equal(t, 0.8, intent.Confidence)
}

func TestDetectIntent_UnknownLabelFallsBackToKeywords(t *testing.T) {
	client := &fakeClient{content: `{"intent": "time_travel"}`}
	r := newTestRouter(client)

	intent := r.DetectIntent(context.Background(), "find me a pasta recipe")
	assert.Equal(t, model.IntentCooking, intent.Type, "cooking rule precedes search on multi-match")
}

func TestDetectIntent_CachesByNormalizedCommand(t *testing.T) {
	client := &fakeClient{content: `{"intent": "rag"}`}
	r := newTestRouter(client)
	ctx := context.Background()

	r.DetectIntent(ctx, "Summarize this document")
	r.DetectIntent(ctx, "  summarize   THIS document ")

	assert.EqualValues(t, 1, atomic.LoadInt32(&client.calls), "normalized repeats must hit the cache")
}

func TestDetectIntent_ConcurrentCallsShareOneModelCall(t *testing.T) {
	client := &fakeClient{content: `{"intent": "cooking"}`, delay: 30 * time.Millisecond}
	r := newTestRouter(client)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			intent := r.DetectIntent(context.Background(), "bake a sourdough loaf")
			assert.Equal(t, model.IntentCooking, intent.Type)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&client.calls))
}

func TestClassifyByKeywords(t *testing.T) {
	tests := []struct {
		command    string
		intent     string
		confidence float64
	}{
		{"hello there", model.IntentGeneral, 0.95},
		{"thanks for the help", model.IntentGeneral, 0.95},
		{"how much did I spend on groceries", model.IntentShopping, 0.9},
		{"what is the temperature outside", model.IntentWeather, 0.8},
		{"give me a dinner recipe", model.IntentCooking, 0.8},
		{"search for local repair shops", model.IntentSearch, 0.8},
		{"summarize the attached pdf", model.IntentRAG, 0.8},
		{"zzz unclassifiable gibberish", model.IntentGeneral, 0.3},
	}
	for _, tt := range tests {
		got := ClassifyByKeywords(tt.command)
		assert.Equal(t, tt.intent, got.Type, "command %q", tt.command)
		assert.Equal(t, tt.confidence, got.Confidence, "command %q", tt.command)
	}
}

func respondingAgent(text string) AgentFunc {
	return func(ctx context.Context, in Input) (model.Response, error) {
		return model.Response{Success: true, Text: text}, nil
	}
}

func TestRouteCommand_FirstClaimWins(t *testing.T) {
	r := newTestRouter(&fakeClient{},
		NewAgentHandler(model.IntentWeather, "weather", respondingAgent("sunny")),
		NewCatchAllHandler("chat", respondingAgent("generic")),
	)

	resp, err := r.RouteCommand(context.Background(), Input{
		Command: "weather please",
		Intent:  model.IntentData{Type: model.IntentWeather},
	})
	assert.NoError(t, err)
	assert.Equal(t, "sunny", resp.Text)
}

func TestRouteCommand_DeclinedIntentFallsThrough(t *testing.T) {
	r := newTestRouter(&fakeClient{},
		NewAgentHandler(model.IntentWeather, "weather", respondingAgent("sunny")),
		NewCatchAllHandler("chat", respondingAgent("generic")),
	)

	resp, err := r.RouteCommand(context.Background(), Input{
		Intent: model.IntentData{Type: model.IntentCooking},
	})
	assert.NoError(t, err)
	assert.Equal(t, "generic", resp.Text)
}

func TestRouteCommand_DisabledAgentDeclines(t *testing.T) {
	r := newTestRouter(&fakeClient{},
		NewAgentHandler(model.IntentWeather, "weather", respondingAgent("sunny")),
		NewCatchAllHandler("chat", respondingAgent("generic")),
	)

	resp, err := r.RouteCommand(context.Background(), Input{
		Intent:      model.IntentData{Type: model.IntentWeather},
		AgentStates: map[string]bool{"weather": false},
	})
	assert.NoError(t, err)
	assert.Equal(t, "generic", resp.Text, "disabled agent must pass through to the catch-all")
}

func TestRouteCommand_NoHandlerClaims(t *testing.T) {
	r := newTestRouter(&fakeClient{},
		NewAgentHandler(model.IntentWeather, "weather", respondingAgent("sunny")),
	)

	_, err := r.RouteCommand(context.Background(), Input{
		Intent: model.IntentData{Type: model.IntentSearch},
	})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRouteCommand_HandlerErrorAbortsChain(t *testing.T) {
	agentErr := errors.New("agent exploded")
	catchAllReached := false
	r := newTestRouter(&fakeClient{},
		NewAgentHandler(model.IntentWeather, "weather", func(ctx context.Context, in Input) (model.Response, error) {
			return model.Response{}, agentErr
		}),
		NewCatchAllHandler("chat", func(ctx context.Context, in Input) (model.Response, error) {
			catchAllReached = true
			return model.Response{Success: true}, nil
		}),
	)

	_, err := r.RouteCommand(context.Background(), Input{
		Intent: model.IntentData{Type: model.IntentWeather},
	})
	assert.ErrorIs(t, err, agentErr)
	assert.False(t, catchAllReached, "an error is not a decline")
}

func TestDeriveComplexity(t *testing.T) {
	long := make([]byte, 401)
	for i := range long {
		long[i] = 'a'
	}

	assert.Equal(t, model.ComplexitySimple, DeriveComplexity("hi", nil))
	assert.Equal(t, model.ComplexityStandard, DeriveComplexity("plan my grocery shopping for the week", nil))
	assert.Equal(t, model.ComplexityComplex, DeriveComplexity(string(long), nil))
	assert.Equal(t, model.ComplexityComplex, DeriveComplexity("hi", &model.FileInfo{Name: "receipt.pdf"}))
}
