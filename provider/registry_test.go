package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cometsearch/config"
	"cometsearch/logger"
	"cometsearch/task"
)

func TestRegistry_Resolve(t *testing.T) {
	cfg := &config.Config{
		OpenRouterAPIKey:  "or-key",
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		OllamaHost:        "localhost:11434",
		ExtraModels:       []string{"ollama/llama3", "gemini/gemini-2.0-flash", "  ", "openai/gpt-4.1"},
	}
	r, err := NewRegistry(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)

	p, err := r.Resolve("openai/gpt-4.1")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name())

	p, err = r.Resolve("ollama/llama3")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	_, err = r.Resolve(ImageModel)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	_, err = r.Resolve("gemini/gemini-2.0-flash")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = r.Resolve("made-up/model")
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = r.Resolve("perplexity/sonar-deep-research")
	assert.NoError(t, err)
	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestRegistry_Models(t *testing.T) {
	cfg := &config.Config{OpenAIAPIKey: "sk", ExtraModels: []string{"ollama/llama3"}}
	r, err := NewRegistry(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)

	models := r.Models()
	require.Len(t, models, len(OpenRouterModels)+2)
	assert.Equal(t, OpenRouterModels[0], models[0].ID)
	assert.False(t, models[0].Available)

	byID := make(map[string]ModelInfo)
	for _, m := range models {
		byID[m.ID] = m
	}
	assert.Equal(t, ModelInfo{ID: ImageModel, Provider: "openai", Available: true}, byID[ImageModel])
	assert.Equal(t, ModelInfo{ID: "ollama/llama3", Provider: "ollama", Available: false}, byID["ollama/llama3"])
}

func TestStaticRegistry(t *testing.T) {
	img := NewOpenAIImages("k", "http://localhost", nil, logger.Discard())
	r := NewStaticRegistry(img, "a", "b")

	p, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Same(t, img, p)
	_, err = r.Resolve("c")
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.Len(t, r.Models(), 2)
}

func TestError_Code(t *testing.T) {
	assert.Equal(t, "timeout", (&Error{Code: "timeout", StatusCode: 500}).ErrorCode())
	assert.Equal(t, "500", (&Error{StatusCode: 500}).ErrorCode())
	assert.Equal(t, "", (&Error{}).ErrorCode())
	assert.Equal(t, "openrouter API error (429): slow down", (&Error{Provider: "openrouter", StatusCode: 429, Message: "slow down"}).Error())
}

func TestAcceptUpload(t *testing.T) {
	or := NewOpenRouter(OpenRouterConfig{}, nil, logger.Discard())
	ol, err := NewOllama("localhost:11434", nil, logger.Discard())
	require.NoError(t, err)
	img := NewOpenAIImages("k", "http://localhost", nil, logger.Discard())
	gem := &Gemini{}

	tests := []struct {
		name    string
		adapter task.UploadAcceptor
		mime    string
		ok      bool
	}{
		{"openrouter pdf", or, "application/pdf", true},
		{"openrouter image", or, "image/jpeg", true},
		{"openrouter zip", or, "application/zip", false},
		{"ollama image", ol, "image/png", true},
		{"ollama text", ol, "text/markdown", true},
		{"ollama pdf", ol, "application/pdf", false},
		{"gemini pdf", gem, "application/pdf", true},
		{"gemini zip", gem, "application/zip", false},
		{"image model text", img, "text/plain", false},
		{"image model image", img, "image/png", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.adapter.AcceptUpload(tt.mime)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidUpload)
		})
	}
}
