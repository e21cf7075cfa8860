package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const localCallTimeout = 30 * time.Second

// EventSink receives model lifecycle events for the observability log.
type EventSink func(eventType, tier, errMsg string)

// LocalEngine generates on the local machine through a llama.cpp server's
// OpenAI-compatible API. Each tier's model is materialized lazily on first
// use: the first caller performs the (possibly slow) load while concurrent
// callers wait on the same in-flight initialization instead of starting
// their own.
type LocalEngine struct {
	baseURL string
	models  map[string]string // tier -> model name

	group  singleflight.Group
	mu     sync.RWMutex
	ready  map[string]llms.Model
	events EventSink
	logger *zap.Logger
}

func NewLocalEngine(baseURL, flashModel, proModel string, events EventSink, logger *zap.Logger) *LocalEngine {
	if events == nil {
		events = func(string, string, string) {}
	}
	return &LocalEngine{
		baseURL: baseURL,
		models: map[string]string{
			"flash": flashModel,
			"pro":   proModel,
		},
		ready:  make(map[string]llms.Model),
		events: events,
		logger: logger,
	}
}

// ensure returns the materialized model for a tier, loading it once.
func (e *LocalEngine) ensure(ctx context.Context, tier string) (llms.Model, error) {
	e.mu.RLock()
	if m, ok := e.ready[tier]; ok {
		e.mu.RUnlock()
		return m, nil
	}
	e.mu.RUnlock()

	v, err, _ := e.group.Do(tier, func() (any, error) {
		e.mu.RLock()
		if m, ok := e.ready[tier]; ok {
			e.mu.RUnlock()
			return m, nil
		}
		e.mu.RUnlock()

		modelName, ok := e.models[tier]
		if !ok || modelName == "" {
			return nil, fmt.Errorf("no local model configured for tier %q", tier)
		}

		e.events("cpu_model_loading", tier, "")
		model, err := openai.New(
			openai.WithToken("local"),
			openai.WithBaseURL(e.baseURL),
			openai.WithModel(modelName),
		)
		if err != nil {
			e.events("cpu_model_load_failed", tier, err.Error())
			return nil, fmt.Errorf("failed to initialize local model %s: %w", modelName, err)
		}

		// Force the server to page the weights in; this is the slow part.
		warmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), localCallTimeout)
		defer cancel()
		_, err = model.GenerateContent(warmCtx,
			[]llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, "ping")},
			llms.WithMaxTokens(1))
		if err != nil {
			e.events("cpu_model_load_failed", tier, err.Error())
			return nil, fmt.Errorf("local model %s failed to load: %w", modelName, err)
		}

		e.mu.Lock()
		e.ready[tier] = model
		e.mu.Unlock()
		e.events("cpu_model_loaded", tier, "")
		e.logger.Info("local model loaded", zap.String("tier", tier), zap.String("model", modelName))
		return llms.Model(model), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(llms.Model), nil
}

// Generate runs a completion on the local model for the requested tier,
// falling back to whatever tier is configured when the requested one is not.
func (e *LocalEngine) Generate(ctx context.Context, req CompletionRequest) (*Completion, error) {
	tier := req.Tier
	if _, ok := e.models[tier]; !ok {
		tier = "flash"
	}
	model, err := e.ensure(ctx, tier)
	if err != nil {
		return nil, err
	}

	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role schema.ChatMessageType
		switch m.Role {
		case "system":
			role = schema.ChatMessageTypeSystem
		case "assistant":
			role = schema.ChatMessageTypeAI
		default:
			role = schema.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	callCtx, cancel := context.WithTimeout(ctx, localCallTimeout)
	defer cancel()

	resp, err := model.GenerateContent(callCtx, content,
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(req.MaxTokens))
	if err != nil {
		return nil, fmt.Errorf("local generation failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, fmt.Errorf("local model returned an empty completion")
	}
	return &Completion{ID: "local-llama", Content: resp.Choices[0].Content}, nil
}
