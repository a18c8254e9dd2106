// Package vectorindex is a thin REST client for the external vector
// store collaborator: a plain net/http client speaking a Qdrant-shaped
// REST collections API.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"kxpipe/internal/errs"
)

// Point is one vector entry with its payload.
type Point struct {
	ID      uuid.UUID      `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ID      uuid.UUID      `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Index is the vector-store collaborator's interface.
type Index interface {
	InitCollection(ctx context.Context, collection string, dim int) error
	UpsertBatch(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchHit, error)
	DeleteBatch(ctx context.Context, collection string, ids []uuid.UUID) error
}

// Config points at the vector-store endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type client struct {
	cfg  Config
	http *http.Client
}

// New builds an Index client from cfg.
func New(cfg Config) Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.KindVectorUpsertFailure, "vectorindex.do", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return errs.New(errs.KindVectorUpsertFailure, "vectorindex.do", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(errs.KindVectorUpsertFailure, "vectorindex.do", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(errs.KindVectorUpsertFailure, "vectorindex.do",
			fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.New(errs.KindVectorUpsertFailure, "vectorindex.do", err)
		}
	}
	return nil
}

func (c *client) InitCollection(ctx context.Context, collection string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+collection, body, nil)
}

func (c *client) UpsertBatch(ctx context.Context, collection string, points []Point) error {
	body := map[string]any{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points", body, nil)
}

type searchResponse struct {
	Result []SearchHit `json:"result"`
}

func (c *client) Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchHit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var out searchResponse
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (c *client) DeleteBatch(ctx context.Context, collection string, ids []uuid.UUID) error {
	body := map[string]any{"points": ids}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete", body, nil)
}
