package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"cometsearch/task"
)

const geminiPrefix = "gemini/"

// Gemini streams content from the Gemini API. Thought parts are surfaced as
// reasoning events.
type Gemini struct {
	client *genai.Client
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey string, logger *slog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, logger: logger.With("component", "gemini")}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// AcceptUpload allows the types sent as inline data: images, PDFs and text.
func (g *Gemini) AcceptUpload(mime string) error {
	if !SupportedUpload(mime) {
		return fmt.Errorf("%w: %s", ErrInvalidUpload, mime)
	}
	return nil
}

func (g *Gemini) Stream(ctx context.Context, req task.Request, emit func(task.Event) error) error {
	parts := []*genai.Part{{Text: req.Query}}
	if up := req.Options.Upload; up != nil {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: up.MIMEType, Data: up.Data}})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
	}
	model := strings.TrimPrefix(req.Model, geminiPrefix)

	g.logger.Debug("calling gemini", "task_id", req.TaskID, "model", model)

	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			var apiErr genai.APIError
			if errors.As(err, &apiErr) {
				return &Error{Provider: g.Name(), StatusCode: apiErr.Code, Code: apiErr.Status, Message: apiErr.Message}
			}
			return err
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				kind := task.EventChunk
				if p.Thought {
					kind = task.EventReasoning
				}
				if err := emit(task.Event{Kind: kind, Text: p.Text}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
