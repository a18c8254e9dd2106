package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kxpipe/internal/errs"
)

func TestChatSendsRequestFormatAndReturnsContent(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAIChatResponse{
			Choices: []struct {
				Message openAIChatMessage `json:"message"`
			}{{Message: openAIChatMessage{Role: "assistant", Content: `{"price": 9.99}`}}},
		})
	}))
	defer srv.Close()

	c := NewChatClient(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"})
	resp, err := c.Chat(context.Background(), ChatRequest{SystemPrompt: "extract", UserPrompt: "page text"})
	require.NoError(t, err)

	assert.Equal(t, `{"price": 9.99}`, resp.Content)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "json_object", gotBody.ResponseFormat.Type)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "extract", gotBody.Messages[0].Content)
}

func TestChatUsesRequestModelOverConfigDefault(t *testing.T) {
	var gotBody openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(openAIChatResponse{Choices: []struct {
			Message openAIChatMessage `json:"message"`
		}{{Message: openAIChatMessage{Content: "ok"}}}})
	}))
	defer srv.Close()

	c := NewChatClient(Config{BaseURL: srv.URL, Model: "default-model"})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "override-model"})
	require.NoError(t, err)
	assert.Equal(t, "override-model", gotBody.Model)
}

func TestChatMapsServerErrorsToRetryableKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatClient(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindLLMTransient, e.Kind)
}

func TestChatMapsClientErrorsToNonRetryableKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewChatClient(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindLLMTransient, e.Kind)
}

func TestChatReturnsErrorWhenNoChoicesReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAIChatResponse{})
	}))
	defer srv.Close()

	c := NewChatClient(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
}

func TestChatReturnsMalformedJSONKindOnBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewChatClient(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindLLMMalformedJSON, e.Kind)
}
