package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cometsearch/logger"
	"cometsearch/task"
)

func newTestImages(t *testing.T, handler http.HandlerFunc) *OpenAIImages {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIImages("img-key", srv.URL, srv.Client(), logger.Discard())
}

func TestOpenAIImages_Stream(t *testing.T) {
	var got imageRequest
	img := newTestImages(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer img-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"data":[{"b64_json":"aGVsbG8="}]}`)
	})

	events, err := collectEvents(t, img, task.Request{Model: ImageModel, Query: "a red fox"})
	require.NoError(t, err)

	assert.Equal(t, ImageModel, got.Model)
	assert.Equal(t, "a red fox", got.Prompt)
	assert.Equal(t, 1, got.N)
	require.Len(t, events, 1)
	assert.Equal(t, task.Event{Kind: task.EventImage, ImageBase64: "aGVsbG8="}, events[0])
}

func TestOpenAIImages_Errors(t *testing.T) {
	t.Run("empty data", func(t *testing.T) {
		img := newTestImages(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[]}`)
		})
		_, err := collectEvents(t, img, task.Request{Model: ImageModel, Query: "x"})
		var pe *Error
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "empty_response", pe.ErrorCode())
	})

	t.Run("rejected prompt", func(t *testing.T) {
		img := newTestImages(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Your request was rejected","type":"invalid_request_error","code":"content_policy_violation"}}`)
		})
		_, err := collectEvents(t, img, task.Request{Model: ImageModel, Query: "x"})
		var pe *Error
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "openai", pe.ProviderName())
		assert.Equal(t, "content_policy_violation", pe.ErrorCode())
		assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	})
}
