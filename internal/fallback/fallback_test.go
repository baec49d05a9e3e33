package fallback

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/model"
)

var errPrimaryDown = errors.New("primary path down")

// scriptedClient returns canned completions in order, or a scripted error.
type scriptedClient struct {
	mu      sync.Mutex
	replies []string
	err     error
	models  []string // model requested per call
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = append(c.models, opts.Model)
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func (c *scriptedClient) DefaultModel() string  { return "gemma3:4b" }
func (c *scriptedClient) FallbackModel() string { return "gemma3:1b" }

func testLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func TestPromptRewriting_RewritesThenAnswers(t *testing.T) {
	client := &scriptedClient{replies: []string{"simpler question", "the answer"}}
	s := NewPromptRewritingStrategy(client)

	resp, err := s.Attempt(context.Background(), Input{Command: "a very convoluted question"}, errPrimaryDown)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "the answer", resp.Text)
	assert.Equal(t, "simpler question", resp.Metadata["rewritten_command"])
	assert.Equal(t, "a very convoluted question", resp.Metadata["original_command"])
}

func TestSimplifiedModel_UsesFallbackModel(t *testing.T) {
	client := &scriptedClient{replies: []string{"cheap answer"}}
	s := NewSimplifiedModelStrategy(client)

	resp, err := s.Attempt(context.Background(), Input{Command: "question"}, errPrimaryDown)
	require.NoError(t, err)
	assert.Equal(t, "cheap answer", resp.Text)
	assert.Equal(t, []string{"gemma3:1b"}, client.models)
}

func TestMinimalResponse_NeverFails(t *testing.T) {
	resp, err := MinimalResponseStrategy{}.Attempt(context.Background(), Input{}, errPrimaryDown)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, MinimalApology, resp.Text)
}

func TestExecuteFallback_FirstSuccessStops(t *testing.T) {
	client := &scriptedClient{replies: []string{"rewritten", "recovered"}}
	m := NewManager(client, testLogger())

	resp := m.ExecuteFallback(context.Background(), Input{Command: "cmd"}, errPrimaryDown)
	assert.True(t, resp.Success)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, "prompt_rewriting", resp.Metadata["strategy"])
}

func TestExecuteFallback_ChainTerminatesInMinimalResponse(t *testing.T) {
	// Model completely down: both model-backed strategies decline.
	client := &scriptedClient{err: errors.New("connection refused")}
	m := NewManager(client, testLogger())

	resp := m.ExecuteFallback(context.Background(), Input{Command: "cmd"}, errPrimaryDown)
	assert.True(t, resp.Success, "chain must terminate in a successful response")
	assert.Equal(t, MinimalApology, resp.Text)
	assert.Equal(t, "minimal_response", resp.Metadata["strategy"])
}

// declineStrategy declines every attempt, for chain-walk tests.
type declineStrategy struct{ invoked *[]string }

func (d declineStrategy) Name() string { return "decline" }

func (d declineStrategy) Attempt(ctx context.Context, in Input, cause error) (*model.Response, error) {
	*d.invoked = append(*d.invoked, d.Name())
	return nil, nil
}

func TestExecuteFallback_NilResponseCountsAsDecline(t *testing.T) {
	var invoked []string
	m := NewManagerWithStrategies(testLogger(),
		declineStrategy{&invoked},
		declineStrategy{&invoked},
		MinimalResponseStrategy{},
	)

	resp := m.ExecuteFallback(context.Background(), Input{}, errPrimaryDown)
	assert.True(t, resp.Success)
	assert.Len(t, invoked, 2, "both declining strategies must have been tried")
}

func TestExecuteFallback_MisconfiguredChainStillResponds(t *testing.T) {
	var invoked []string
	m := NewManagerWithStrategies(testLogger(), declineStrategy{&invoked})

	resp := m.ExecuteFallback(context.Background(), Input{}, errPrimaryDown)
	assert.True(t, resp.Success)
	assert.Equal(t, MinimalApology, resp.Text)
}
