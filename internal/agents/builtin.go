package agents

import (
	"context"
	"fmt"

	"github.com/msageha/dispatchd/internal/llm"
	"github.com/msageha/dispatchd/internal/model"
)

// llmAgent is the shared shape of the stock agents: one system prompt, one
// completion per command. Complex commands keep the default model;
// the distinction is left to the model options, not separate code paths.
type llmAgent struct {
	agentType string
	system    string
	client    llm.Client
}

func (a *llmAgent) Type() string { return a.agentType }

func (a *llmAgent) Process(ctx context.Context, in Input) (model.Response, error) {
	messages := []llm.Message{
		{Role: "system", Content: a.system},
		{Role: "user", Content: a.userContent(in)},
	}

	text, err := a.client.Chat(ctx, messages, llm.ChatOptions{})
	if err != nil {
		return model.Response{}, fmt.Errorf("%s agent: %w", a.agentType, err)
	}

	return model.Response{
		Success:  true,
		Text:     text,
		Metadata: map[string]any{"agent": a.agentType, "complexity": string(in.Complexity)},
	}, nil
}

func (a *llmAgent) userContent(in Input) string {
	if in.File != nil {
		return fmt.Sprintf("%s\n\nAttached file: %s (%s, %d bytes)",
			in.Command, in.File.Name, in.File.ContentType, in.File.SizeBytes)
	}
	return in.Command
}

// NewWeatherAgent answers weather questions. It has no live weather feed;
// the model is instructed to say what it cannot know.
func NewWeatherAgent(client llm.Client) Agent {
	return &llmAgent{
		agentType: model.IntentWeather,
		system: "You are a weather assistant. Answer questions about weather concepts " +
			"and typical conditions. If asked for a live forecast, say you have no " +
			"access to current data and suggest what to check.",
		client: client,
	}
}

// NewSearchAgent answers information-lookup questions from model knowledge.
func NewSearchAgent(client llm.Client) Agent {
	return &llmAgent{
		agentType: model.IntentSearch,
		system: "You are an information lookup assistant. Answer factual questions " +
			"concisely. State clearly when you are unsure or when the answer may be " +
			"out of date.",
		client: client,
	}
}

// NewRAGAgent handles document-grounded questions.
func NewRAGAgent(client llm.Client) Agent {
	return &llmAgent{
		agentType: model.IntentRAG,
		system: "You are a document analysis assistant. Answer questions about the " +
			"provided document or attachment. If the document content is not " +
			"available, describe what you would need to answer.",
		client: client,
	}
}

// NewChatAgent is the general-conversation catch-all.
func NewChatAgent(client llm.Client) Agent {
	return &llmAgent{
		agentType: model.IntentGeneral,
		system:    "You are a helpful, concise household assistant.",
		client:    client,
	}
}
