package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrInvalidModel is returned for model ids outside the allow-list.
	ErrInvalidModel = errors.New("unsupported model")
	// ErrProviderNotConfigured is returned when the adapter for an allowed model lacks credentials.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidUpload is returned for attachments an adapter cannot forward.
	ErrInvalidUpload = errors.New("unsupported upload")
)

// Error is an upstream failure with whatever metadata the provider returned.
type Error struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	code := e.ErrorCode()
	if code == "" {
		return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s API error (%s): %s", e.Provider, code, e.Message)
}

func (e *Error) ProviderName() string { return e.Provider }

func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	if e.StatusCode != 0 {
		return strconv.Itoa(e.StatusCode)
	}
	return ""
}

// errorBody is the OpenAI-compatible error envelope. code is a number on
// OpenRouter and a string on OpenAI.
type errorBody struct {
	Error *struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func rawCode(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// decodeHTTPError turns a non-2xx response into an *Error.
func decodeHTTPError(provider string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &Error{Provider: provider, StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read error response: %v", err)}
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != nil && eb.Error.Message != "" {
		code := rawCode(eb.Error.Code)
		if code == "" {
			code = eb.Error.Type
		}
		return &Error{Provider: provider, StatusCode: resp.StatusCode, Code: code, Message: eb.Error.Message}
	}
	return &Error{Provider: provider, StatusCode: resp.StatusCode, Message: resp.Status}
}
