package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cometsearch/task"
)

// ImageModel is the OpenAI image generation model id.
const ImageModel = "gpt-image-1"

// OpenAIImages generates one image per task. It is a batch call: the whole
// result arrives as a single event.
type OpenAIImages struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAIImages(apiKey, baseURL string, client *http.Client, logger *slog.Logger) *OpenAIImages {
	return &OpenAIImages{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger.With("component", "openai_images"),
	}
}

func (o *OpenAIImages) Name() string { return "openai" }

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// AcceptUpload rejects every attachment: generation works from the prompt alone.
func (o *OpenAIImages) AcceptUpload(mime string) error {
	return fmt.Errorf("%w: %s does not take attachments", ErrInvalidUpload, ImageModel)
}

func (o *OpenAIImages) Stream(ctx context.Context, req task.Request, emit func(task.Event) error) error {
	if up := req.Options.Upload; up != nil {
		return o.AcceptUpload(up.MIMEType)
	}
	body, err := json.Marshal(imageRequest{Model: ImageModel, Prompt: req.Query, Size: "1024x1024", N: 1})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	o.logger.Debug("generating image",
		"task_id", req.TaskID,
		"prompt", task.Preview(req.Query, 100),
		"web_search_ignored", req.Options.WebSearch)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(o.Name(), resp)
	}

	var ir imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return &Error{Provider: o.Name(), Code: "malformed_response", Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	if len(ir.Data) == 0 || ir.Data[0].B64JSON == "" {
		return &Error{Provider: o.Name(), Code: "empty_response", Message: "No b64_json data received from OpenAI API."}
	}
	return emit(task.Event{Kind: task.EventImage, ImageBase64: ir.Data[0].B64JSON})
}
