package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const remoteCallTimeout = 60 * time.Second

// RemoteClient talks to a self-hosted GPU inference server. The fleet speaks
// two wire shapes: an OpenAI-style /v1/chat/completions endpoint and a
// simplified /v1/chat endpoint answering {"reply": ...}. Both are normalized
// into Completion at this boundary so callers never probe response keys.
type RemoteClient struct {
	httpClient *http.Client
	authHeader string // optional shared-secret Authorization value
	logger     *zap.Logger
}

func NewRemoteClient(authHeader string, logger *zap.Logger) *RemoteClient {
	return &RemoteClient{
		httpClient: &http.Client{Timeout: remoteCallTimeout},
		authHeader: authHeader,
		logger:     logger,
	}
}

type remoteChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIPayload struct {
	Model       string              `json:"model"`
	Messages    []remoteChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Mode        string              `json:"mode"`
}

type simplePayload struct {
	Messages []remoteChatMessage `json:"messages"`
	Mode     string              `json:"mode"`
}

// openAIEnvelope covers both response shapes; normalization picks whichever
// fields are populated.
type openAIEnvelope struct {
	ID      string `json:"id"`
	Choices []struct {
		Message remoteChatMessage `json:"message"`
	} `json:"choices"`
	Reply string          `json:"reply"`
	Error string          `json:"error"`
	RAG   json.RawMessage `json:"rag"`
}

func toWire(msgs []Message) []remoteChatMessage {
	out := make([]remoteChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = remoteChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// CompleteOpenAI calls the primary /v1/chat/completions endpoint.
func (c *RemoteClient) CompleteOpenAI(ctx context.Context, baseURL string, req CompletionRequest) (*Completion, error) {
	payload := openAIPayload{
		Model:       req.Tier,
		Messages:    toWire(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Mode:        req.Tier,
	}
	env, err := c.post(ctx, baseURL, "/v1/chat/completions", req.Tier, payload)
	if err != nil {
		return nil, err
	}
	return normalize(env)
}

// CompleteSimple calls the alternate /v1/chat endpoint ({"reply": ...} shape).
func (c *RemoteClient) CompleteSimple(ctx context.Context, baseURL string, req CompletionRequest) (*Completion, error) {
	payload := simplePayload{Messages: toWire(req.Messages), Mode: req.Tier}
	env, err := c.post(ctx, baseURL, "/v1/chat", req.Tier, payload)
	if err != nil {
		return nil, err
	}
	return normalize(env)
}

// HealthLookup forwards a structured lookup request to the GPU server.
func (c *RemoteClient) HealthLookup(ctx context.Context, baseURL string, body any) (map[string]any, error) {
	raw, err := c.postRaw(ctx, baseURL, "/v1/health-lookup", "", body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed health-lookup response: %w", err)
	}
	return out, nil
}

func (c *RemoteClient) post(ctx context.Context, baseURL, path, tier string, body any) (*openAIEnvelope, error) {
	raw, err := c.postRaw(ctx, baseURL, path, tier, body)
	if err != nil {
		return nil, err
	}
	var env openAIEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed backend response: %w", err)
	}
	return &env, nil
}

func (c *RemoteClient) postRaw(ctx context.Context, baseURL, path, tier string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backend request: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("ngrok-skip-browser-warning", "true")
	if tier != "" {
		httpReq.Header.Set("X-Mode", tier)
	}
	if c.authHeader != "" {
		httpReq.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("backend returned non-success status",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("backend status %d", resp.StatusCode)
	}
	return raw, nil
}

func normalize(env *openAIEnvelope) (*Completion, error) {
	comp := &Completion{ID: env.ID, RAG: env.RAG}
	switch {
	case len(env.Choices) > 0 && env.Choices[0].Message.Content != "":
		comp.Content = env.Choices[0].Message.Content
	case env.Reply != "":
		comp.Content = env.Reply
	case env.Error != "":
		return nil, fmt.Errorf("backend error: %s", env.Error)
	default:
		return nil, fmt.Errorf("backend returned an empty completion")
	}
	if comp.ID == "" {
		comp.ID = "proxy"
	}
	return comp, nil
}
