package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cometsearch/task"
)

const systemPrompt = "You are Comet, a helpful and fun AI agent."

const defaultMaxTokens = 30000

// maxTokensByModel holds generation limits that differ from the default.
var maxTokensByModel = map[string]int{
	"perplexity/sonar-reasoning-pro": 128000 - 4096,
	"openai/gpt-4.1":                 32768,
	"openai/gpt-4o-search-preview":   16384,
	"openai/gpt-4.5-preview":         16384,
}

// OpenRouter streams chat completions from the OpenRouter API.
type OpenRouter struct {
	apiKey    string
	baseURL   string
	siteURL   string
	siteTitle string
	client    *http.Client
	logger    *slog.Logger
}

type OpenRouterConfig struct {
	APIKey    string
	BaseURL   string
	SiteURL   string
	SiteTitle string
}

func NewOpenRouter(cfg OpenRouterConfig, client *http.Client, logger *slog.Logger) *OpenRouter {
	return &OpenRouter{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		siteURL:   cfg.SiteURL,
		siteTitle: cfg.SiteTitle,
		client:    client,
		logger:    logger.With("component", "openrouter"),
	}
}

func (o *OpenRouter) Name() string { return "openrouter" }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
	File     *filePart `json:"file,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type reasoningConfig struct {
	Effort string `json:"effort"`
}

type webSearchOptions struct {
	SearchContextSize string `json:"search_context_size"`
}

type chatRequest struct {
	Model            string            `json:"model"`
	Messages         []chatMessage     `json:"messages"`
	Stream           bool              `json:"stream"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Reasoning        *reasoningConfig  `json:"reasoning,omitempty"`
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

type annotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"url_citation"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content     string       `json:"content"`
			Reasoning   string       `json:"reasoning"`
			Annotations []annotation `json:"annotations"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Error     *struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// upstreamModel applies the :online web search variant when requested.
func upstreamModel(model string, webSearch bool) string {
	if !webSearch || strings.Contains(model, ":") || strings.HasPrefix(model, "perplexity/") {
		return model
	}
	return model + ":online"
}

func (o *OpenRouter) buildRequest(req task.Request) (*chatRequest, error) {
	user, err := userContent(req.Query, req.Options.Upload)
	if err != nil {
		return nil, err
	}

	cr := &chatRequest{
		Model: upstreamModel(req.Model, req.Options.WebSearch),
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Stream:    true,
		MaxTokens: defaultMaxTokens,
	}
	if n, ok := maxTokensByModel[req.Model]; ok {
		cr.MaxTokens = n
	}
	if strings.HasSuffix(req.Model, ":thinking") {
		cr.Reasoning = &reasoningConfig{Effort: "high"}
	}
	if req.Model == "openai/gpt-4.1" {
		cr.WebSearchOptions = &webSearchOptions{SearchContextSize: "high"}
	}
	return cr, nil
}

// userContent builds the user message: plain text, or content parts when a
// file is attached.
func userContent(query string, up *task.Upload) (any, error) {
	if up == nil {
		return query, nil
	}
	encoded := base64.StdEncoding.EncodeToString(up.Data)
	switch {
	case strings.HasPrefix(up.MIMEType, "image/"):
		return []contentPart{
			{Type: "text", Text: query},
			{Type: "image_url", ImageURL: &imageURL{URL: "data:" + up.MIMEType + ";base64," + encoded}},
		}, nil
	case up.MIMEType == "application/pdf":
		return []contentPart{
			{Type: "text", Text: query},
			{Type: "file", File: &filePart{Filename: "upload.pdf", FileData: "data:application/pdf;base64," + encoded}},
		}, nil
	case isTextType(up.MIMEType):
		return query + "\n\n--- Attached file ---\n" + string(up.Data), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidUpload, up.MIMEType)
}

func isTextType(mime string) bool {
	return strings.HasPrefix(mime, "text/") || mime == "application/json"
}

// SupportedUpload reports whether a file of this MIME type can be attached.
func SupportedUpload(mime string) bool {
	return strings.HasPrefix(mime, "image/") || mime == "application/pdf" || isTextType(mime)
}

// AcceptUpload allows images, PDFs and text files.
func (o *OpenRouter) AcceptUpload(mime string) error {
	if !SupportedUpload(mime) {
		return fmt.Errorf("%w: %s", ErrInvalidUpload, mime)
	}
	return nil
}

func (o *OpenRouter) Stream(ctx context.Context, req task.Request, emit func(task.Event) error) error {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("HTTP-Referer", o.siteURL)
	httpReq.Header.Set("X-Title", o.siteTitle)

	o.logger.Debug("calling openrouter",
		"task_id", req.TaskID,
		"model", chatReq.Model,
		"max_tokens", chatReq.MaxTokens,
		"reasoning", chatReq.Reasoning != nil)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(o.Name(), resp)
	}
	return o.consume(resp.Body, emit)
}

// consume reads the SSE body frame by frame until [DONE] or EOF.
func (o *OpenRouter) consume(body io.Reader, emit func(task.Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var splitter chartSplitter
	citationsSent := false
	emitAll := func(events []task.Event) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		// Blank lines separate frames; ":" lines are keep-alive comments.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return &Error{Provider: o.Name(), Code: "malformed_response", Message: fmt.Sprintf("failed to parse chunk: %v", err)}
		}
		if chunk.Error != nil {
			return &Error{Provider: o.Name(), Code: rawCode(chunk.Error.Code), Message: chunk.Error.Message}
		}

		if len(chunk.Citations) > 0 && !citationsSent {
			results := make([]task.SearchResult, 0, len(chunk.Citations))
			for _, u := range chunk.Citations {
				results = append(results, task.SearchResult{URL: u})
			}
			if err := emit(task.Event{Kind: task.EventWebSearchResults, Results: results}); err != nil {
				return err
			}
			citationsSent = true
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Reasoning != "" {
			if err := emit(task.Event{Kind: task.EventReasoning, Text: delta.Reasoning}); err != nil {
				return err
			}
		}
		if results := citations(delta.Annotations); len(results) > 0 {
			if err := emit(task.Event{Kind: task.EventWebSearchResults, Results: results}); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			if err := emitAll(splitter.feed(delta.Content)); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading stream: %w", err)
	}
	return emitAll(splitter.flush())
}

func citations(anns []annotation) []task.SearchResult {
	var out []task.SearchResult
	for _, a := range anns {
		if a.Type != "url_citation" || a.URLCitation.URL == "" {
			continue
		}
		out = append(out, task.SearchResult{
			Title:   a.URLCitation.Title,
			URL:     a.URLCitation.URL,
			Content: a.URLCitation.Content,
		})
	}
	return out
}
