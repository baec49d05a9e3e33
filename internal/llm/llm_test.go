package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *OllamaClient {
	return New(model.LLMConfig{
		BaseURL:       url,
		Model:         "gemma3:4b",
		FallbackModel: "gemma3:1b",
		TimeoutSec:    5,
		Temperature:   0.2,
	})
}

func TestChat_SendsConfiguredDefaults(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "hello"}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "gemma3:4b", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, 0.2, got.Options["temperature"])
}

func TestChat_PerCallOverrides(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: `{"intent":"weather"}`}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), nil, ChatOptions{
		Model:       "gemma3:1b",
		Temperature: 0.7,
		JSONMode:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "gemma3:1b", got.Model)
	assert.Equal(t, "json", got.Format)
	assert.Equal(t, 0.7, got.Options["temperature"])
}

func TestChat_ServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), nil, ChatOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestChat_ErrorFieldInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Error: "model is loading"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), nil, ChatOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is loading")
}

func TestChat_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL).Chat(ctx, nil, ChatOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
