package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"kxpipe/internal/errs"
)

// EmbeddingClient produces fixed-width embedding vectors (1024-dim) for
// cleaned source text, feeding the vector index.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type embeddingClient struct {
	cfg  Config
	http *http.Client
}

// NewEmbeddingClient builds an EmbeddingClient from cfg.
func NewEmbeddingClient(cfg Config) EmbeddingClient {
	return &embeddingClient{cfg: cfg, http: cfg.httpClient()}
}

func (c *embeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *embeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body := openAIEmbeddingRequest{Model: c.cfg.EmbeddingModel, Input: texts}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.KindEmbeddingFailure, "llm.EmbedBatch", err)
	}

	endpoint := c.cfg.BaseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.KindEmbeddingFailure, "llm.EmbedBatch", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.KindEmbeddingFailure, "llm.EmbedBatch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.KindEmbeddingFailure, "llm.EmbedBatch",
			fmt.Errorf("embeddings request failed with status %d", resp.StatusCode))
	}

	var parsed openAIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.New(errs.KindEmbeddingFailure, "llm.EmbedBatch", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
