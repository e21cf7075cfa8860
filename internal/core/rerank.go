package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Reranker scores (query, passage) pairs. A higher score means more
// relevant. Implementations may fail; callers degrade to retrieval order.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// HTTPReranker calls a cross-encoder scoring service.
type HTTPReranker struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPReranker(baseURL string) *HTTPReranker {
	return &HTTPReranker{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

func (r *HTTPReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	url := strings.TrimRight(r.baseURL, "/") + "/v1/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reranker unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker status %d", resp.StatusCode)
	}

	var out rerankResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed rerank response: %w", err)
	}
	if len(out.Scores) != len(passages) {
		return nil, fmt.Errorf("reranker returned %d scores for %d passages", len(out.Scores), len(passages))
	}
	return out.Scores, nil
}
