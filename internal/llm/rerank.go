package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"kxpipe/internal/errs"
)

// RankedDocument is one reranked candidate with its relevance score.
type RankedDocument struct {
	Index int
	Score float64
}

// RerankClient reorders candidate documents against a query.
type RerankClient interface {
	Rerank(ctx context.Context, query string, documents []string) ([]RankedDocument, error)
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type rerankClient struct {
	cfg  Config
	http *http.Client
}

// NewRerankClient builds a RerankClient from cfg.
func NewRerankClient(cfg Config) RerankClient {
	return &rerankClient{cfg: cfg, http: cfg.httpClient()}
}

func (c *rerankClient) Rerank(ctx context.Context, query string, documents []string) ([]RankedDocument, error) {
	body := rerankRequest{Model: c.cfg.RerankModel, Query: query, Documents: documents}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.KindLLMTransient, "llm.Rerank", err)
	}

	endpoint := c.cfg.BaseURL + "/rerank"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.KindLLMTransient, "llm.Rerank", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.KindLLMTransient, "llm.Rerank", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.KindLLMTransient, "llm.Rerank",
			fmt.Errorf("rerank request failed with status %d", resp.StatusCode))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.New(errs.KindLLMTransient, "llm.Rerank", err)
	}

	out := make([]RankedDocument, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, RankedDocument{Index: r.Index, Score: r.RelevanceScore})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
