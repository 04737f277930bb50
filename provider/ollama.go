package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"cometsearch/task"
)

const ollamaPrefix = "ollama/"

// Ollama streams chat responses from a local Ollama server. Cancelling ctx
// aborts the HTTP request, so cancellation is immediate here.
type Ollama struct {
	client *api.Client
	logger *slog.Logger
}

func NewOllama(host string, httpClient *http.Client, logger *slog.Logger) (*Ollama, error) {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	return &Ollama{
		client: api.NewClient(u, httpClient),
		logger: logger.With("component", "ollama"),
	}, nil
}

func (o *Ollama) Name() string { return "ollama" }

// AcceptUpload allows images and text files; Ollama has no document input.
func (o *Ollama) AcceptUpload(mime string) error {
	if strings.HasPrefix(mime, "image/") || isTextType(mime) {
		return nil
	}
	return fmt.Errorf("%w: %s is not accepted by %s models", ErrInvalidUpload, mime, o.Name())
}

func (o *Ollama) Stream(ctx context.Context, req task.Request, emit func(task.Event) error) error {
	user := api.Message{Role: "user", Content: req.Query}
	if up := req.Options.Upload; up != nil {
		if err := o.AcceptUpload(up.MIMEType); err != nil {
			return err
		}
		if strings.HasPrefix(up.MIMEType, "image/") {
			user.Images = []api.ImageData{up.Data}
		} else {
			user.Content += "\n\n--- Attached file ---\n" + string(up.Data)
		}
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model: strings.TrimPrefix(req.Model, ollamaPrefix),
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			user,
		},
		Stream: &stream,
	}

	o.logger.Debug("calling ollama", "task_id", req.TaskID, "model", chatReq.Model)

	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Thinking != "" {
			if err := emit(task.Event{Kind: task.EventReasoning, Text: resp.Message.Thinking}); err != nil {
				return err
			}
		}
		if resp.Message.Content != "" {
			return emit(task.Event{Kind: task.EventChunk, Text: resp.Message.Content})
		}
		return nil
	})

	var se api.StatusError
	if errors.As(err, &se) {
		return &Error{Provider: o.Name(), StatusCode: se.StatusCode, Message: se.ErrorMessage}
	}
	return err
}
