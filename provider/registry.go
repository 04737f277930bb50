package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cometsearch/config"
	"cometsearch/task"
)

// OpenRouterModels is the built-in allow-list served through OpenRouter.
var OpenRouterModels = []string{
	"google/gemini-2.5-pro-preview",
	"x-ai/grok-3-mini-beta:online",
	"x-ai/grok-3-beta:online",
	"anthropic/claude-3.7-sonnet",
	"anthropic/claude-3.7-sonnet:thinking",
	"openai/gpt-4o-2024-11-20:online",
	"openai/gpt-4.1",
	"perplexity/sonar-reasoning-pro",
	"perplexity/sonar-deep-research",
	"openai/gpt-4o-search-preview",
	"openai/gpt-4.5-preview",
}

var (
	_ task.UploadAcceptor = (*OpenRouter)(nil)
	_ task.UploadAcceptor = (*OpenAIImages)(nil)
	_ task.UploadAcceptor = (*Ollama)(nil)
	_ task.UploadAcceptor = (*Gemini)(nil)
)

type route struct {
	adapter string // name of the adapter family
	missing string // credential needed when the adapter is absent
}

// ModelInfo describes one allowed model.
type ModelInfo struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}

// Registry is the model allow-list and routes each model to its adapter.
type Registry struct {
	routes   map[string]route
	order    []string
	adapters map[string]task.Provider
}

// NewRegistry builds the allow-list from the built-in models plus
// EXTRA_MODELS, and constructs every adapter whose credentials are present.
func NewRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		routes:   make(map[string]route),
		adapters: make(map[string]task.Provider),
	}
	httpClient := &http.Client{}

	if cfg.OpenRouterAPIKey != "" {
		r.adapters["openrouter"] = NewOpenRouter(OpenRouterConfig{
			APIKey:    cfg.OpenRouterAPIKey,
			BaseURL:   cfg.OpenRouterBaseURL,
			SiteURL:   cfg.SiteURL,
			SiteTitle: cfg.SiteTitle,
		}, httpClient, logger)
	}
	if cfg.OpenAIAPIKey != "" {
		r.adapters["openai"] = NewOpenAIImages(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, httpClient, logger)
	}
	if cfg.OllamaHost != "" {
		o, err := NewOllama(cfg.OllamaHost, httpClient, logger)
		if err != nil {
			return nil, err
		}
		r.adapters["ollama"] = o
	}
	if cfg.GeminiAPIKey != "" {
		g, err := NewGemini(ctx, cfg.GeminiAPIKey, logger)
		if err != nil {
			return nil, err
		}
		r.adapters["gemini"] = g
	}

	for _, m := range OpenRouterModels {
		r.add(m)
	}
	r.add(ImageModel)
	for _, m := range cfg.ExtraModels {
		r.add(m)
	}

	for name := range r.adapters {
		logger.Info("provider configured", "provider", name)
	}
	return r, nil
}

// NewStaticRegistry routes every listed model to p. Used by tests and tools.
func NewStaticRegistry(p task.Provider, models ...string) *Registry {
	r := &Registry{
		routes:   make(map[string]route),
		adapters: map[string]task.Provider{p.Name(): p},
	}
	for _, m := range models {
		r.routes[m] = route{adapter: p.Name()}
		r.order = append(r.order, m)
	}
	return r
}

func (r *Registry) add(model string) {
	model = strings.TrimSpace(model)
	if model == "" {
		return
	}
	if _, ok := r.routes[model]; ok {
		return
	}
	r.routes[model] = routeFor(model)
	r.order = append(r.order, model)
}

func routeFor(model string) route {
	switch {
	case model == ImageModel:
		return route{adapter: "openai", missing: "OPENAI_API_KEY"}
	case strings.HasPrefix(model, ollamaPrefix):
		return route{adapter: "ollama", missing: "OLLAMA_HOST"}
	case strings.HasPrefix(model, geminiPrefix):
		return route{adapter: "gemini", missing: "GEMINI_API_KEY"}
	}
	return route{adapter: "openrouter", missing: "OPENROUTER_API_KEY"}
}

// Resolve returns the adapter serving model.
func (r *Registry) Resolve(model string) (task.Provider, error) {
	rt, ok := r.routes[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}
	p, ok := r.adapters[rt.adapter]
	if !ok {
		return nil, fmt.Errorf("%w: model %s needs %s", ErrProviderNotConfigured, model, rt.missing)
	}
	return p, nil
}

// Models lists the allow-list in registration order.
func (r *Registry) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, m := range r.order {
		rt := r.routes[m]
		_, ok := r.adapters[rt.adapter]
		out = append(out, ModelInfo{ID: m, Provider: rt.adapter, Available: ok})
	}
	return out
}

