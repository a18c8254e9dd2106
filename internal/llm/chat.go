// Package llm implements the three external LLM collaborators the
// pipeline needs: a chat/completions client used for structured field
// extraction, an embedding client, and a rerank client. All three speak
// the OpenAI-compatible wire shape, chosen for its native
// response_format=json_object support.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"kxpipe/internal/errs"
)

// ChatRequest is a single structured-extraction chat call.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  float64
}

// ChatResponse carries the raw assistant content; JSON parsing and
// repair are the caller's job (internal/jsonrepair, applied by
// internal/orchestrator), not this client's.
type ChatResponse struct {
	Content string
}

// ChatClient is the abstraction internal/llmworker drives.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Config configures an OpenAI-compatible endpoint.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	RerankModel    string
	Timeout        time.Duration
}

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIChatMessage   `json:"messages"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

// chatClient implements ChatClient against an OpenAI-compatible
// Chat Completions endpoint with response_format=json_object.
type chatClient struct {
	cfg  Config
	http *http.Client
}

// NewChatClient builds a ChatClient from cfg.
func NewChatClient(cfg Config) ChatClient {
	return &chatClient{cfg: cfg, http: cfg.httpClient()}
}

func (c *chatClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body := openAIChatRequest{
		Model: model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature:    req.Temperature,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ChatResponse{}, errs.New(errs.KindLLMTransient, "llm.Chat", err)
	}

	endpoint := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, errs.New(errs.KindLLMTransient, "llm.Chat", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ChatResponse{}, errs.New(errs.KindLLMTransient, "llm.Chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return ChatResponse{}, errs.New(errs.KindLLMTransient, "llm.Chat",
			fmt.Errorf("chat completion returned status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatResponse{}, errs.New(errs.KindLLMTransient, "llm.Chat",
			fmt.Errorf("chat completion failed with status %d", resp.StatusCode))
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ChatResponse{}, errs.New(errs.KindLLMMalformedJSON, "llm.Chat", err)
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{}, errs.New(errs.KindLLMTransient, "llm.Chat", fmt.Errorf("chat completion returned no choices"))
	}

	return ChatResponse{Content: parsed.Choices[0].Message.Content}, nil
}
