package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"doctorai.vn/medical-consultation/internal/llm"
	"doctorai.vn/medical-consultation/internal/registry"
	"doctorai.vn/medical-consultation/internal/runtime"
	"doctorai.vn/medical-consultation/internal/store"
)

const historyDepth = 5 // messages of prior context sent to the generator

// remoteGenerator is the slice of the remote client the orchestrator needs.
type remoteGenerator interface {
	CompleteOpenAI(ctx context.Context, baseURL string, req llm.CompletionRequest) (*llm.Completion, error)
	CompleteSimple(ctx context.Context, baseURL string, req llm.CompletionRequest) (*llm.Completion, error)
}

// localGenerator is the local cpu path.
type localGenerator interface {
	Generate(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error)
}

// backendSelector picks a remote base URL.
type backendSelector interface {
	Select(strategy registry.SelectionStrategy, pinned string) string
}

// RAGInfo is the retrieval provenance attached to a chat response.
type RAGInfo struct {
	Used      bool `json:"used"`
	Retrieved int  `json:"retrieved"`
	Selected  int  `json:"selected"`
}

// ChatInput is one inbound chat turn.
type ChatInput struct {
	UserID         string
	ConversationID string
	Kind           string // store.KindChat or store.KindSocial
	Tier           string // flash | pro; empty means "use runtime state"
	Messages       []llm.Message
	Temperature    float64
	MaxTokens      int
}

// ChatResult is the orchestrator's answer for one turn.
type ChatResult struct {
	ID             string
	Content        string
	ConversationID string
	ModeUsed       string // cpu | gpu
	Tier           string
	Refused        bool
	RAG            *RAGInfo
	RAGRaw         json.RawMessage // provenance reported by a remote backend
}

// ChatService orchestrates one chat turn: classify, optionally augment,
// dispatch along the fallback chain, persist, title.
type ChatService struct {
	dbStore    *store.SQLiteStore
	modes      *runtime.Controller
	backends   backendSelector
	remote     remoteGenerator
	local      localGenerator
	augmentor  *Augmentor
	classifier Classifier
	titler     *Titler
	logger     *zap.Logger
}

func NewChatService(
	dbStore *store.SQLiteStore,
	modes *runtime.Controller,
	backends backendSelector,
	remote remoteGenerator,
	local localGenerator,
	augmentor *Augmentor,
	logger *zap.Logger,
) *ChatService {
	s := &ChatService{
		dbStore:   dbStore,
		modes:     modes,
		backends:  backends,
		remote:    remote,
		local:     local,
		augmentor: augmentor,
		logger:    logger,
	}
	s.classifier = NewLLMClassifier(s.quickGenerate)
	s.titler = NewTitler(s.quickGenerate)
	return s
}

// SetClassifier swaps the relevance-gate strategy.
func (s *ChatService) SetClassifier(c Classifier) { s.classifier = c }

// Titler exposes the conversation titler for the on-demand endpoint.
func (s *ChatService) Titler() *Titler { return s.titler }

// quickGenerate runs a terse single-prompt completion on the cheapest tier
// through the same dispatch chain as regular turns.
func (s *ChatService) quickGenerate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	state := s.modes.State("")
	comp, _, err := s.dispatch(ctx, state, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: store.RoleUser, Content: prompt}},
		Tier:        runtime.TierFlash,
		Temperature: 0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	return comp.Content, nil
}

// QuickGenerate exposes the terse single-prompt path for sibling services.
func (s *ChatService) QuickGenerate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return s.quickGenerate(ctx, prompt, maxTokens)
}

// Answer runs a one-off system+user completion through the dispatch chain,
// outside of any conversation. Used by the lookup service.
func (s *ChatService) Answer(ctx context.Context, systemPrompt, userText string) (string, error) {
	state := s.modes.State("")
	comp, _, err := s.dispatch(ctx, state, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: store.RoleSystem, Content: systemPrompt},
			{Role: store.RoleUser, Content: userText},
		},
		Tier: runtime.TierPro,
	})
	if err != nil {
		return "", err
	}
	return comp.Content, nil
}

// Chat executes one turn. It never returns a raw backend error: every
// failure mode ends in either a degraded completion or the fixed safe
// message, and the exchange is persisted either way.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (*ChatResult, error) {
	kind := in.Kind
	if kind == "" {
		kind = store.KindChat
	}

	conv, err := s.resolveConversation(in.UserID, in.ConversationID, kind)
	if err != nil {
		return nil, err
	}

	state := s.modes.State(in.UserID)
	tier := in.Tier
	if tier != runtime.TierFlash && tier != runtime.TierPro {
		tier = state.Model
	}

	question := lastUserContent(in.Messages)
	result := &ChatResult{ConversationID: conv.ID, Tier: tier, ModeUsed: runtime.TargetCPU}
	if state.Target == runtime.TargetGPU {
		result.ModeUsed = runtime.TargetGPU
	}

	// Relevance gate applies only to medical consultations.
	if kind == store.KindChat {
		if rel := s.classifier.Classify(ctx, question); rel == RelevanceNotMedical {
			s.logger.Info("turn refused as non-medical",
				zap.String("conversation", conv.ID), zap.String("mode", result.ModeUsed))
			result.ID = "refused"
			result.Content = RefusalMessage
			result.Refused = true
			s.persistTurn(ctx, in.UserID, conv, question, RefusalMessage, false)
			return result, nil
		}
	}

	// Context building: pro tier only, and never fatal.
	userContent := question
	if kind == store.KindChat && tier == runtime.TierPro && s.augmentor != nil {
		aug, err := s.augmentor.Augment(ctx, question, NumRelevantPassages)
		if err != nil {
			s.logger.Warn("retrieval unavailable, continuing without context", zap.Error(err))
		} else if aug.Selected > 0 {
			userContent = aug.ContextBlock
			result.RAG = &RAGInfo{Used: true, Retrieved: aug.Retrieved, Selected: aug.Selected}
		} else {
			result.RAG = &RAGInfo{Used: false}
		}
	}

	req := llm.CompletionRequest{
		Messages:    s.assembleMessages(conv.ID, kind, in.Messages, userContent),
		Tier:        tier,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}

	comp, modeUsed, err := s.dispatch(ctx, state, req)
	if err != nil {
		s.logger.Error("all generation paths failed",
			zap.String("conversation", conv.ID), zap.Error(err))
		result.ID = "error"
		result.Content = SafeErrorMessage
		s.persistTurn(ctx, in.UserID, conv, question, SafeErrorMessage, false)
		return result, nil
	}

	result.ID = comp.ID
	result.Content = comp.Content
	result.ModeUsed = modeUsed
	if result.RAG == nil && len(comp.RAG) > 0 {
		result.RAGRaw = comp.RAG
	}

	s.logger.Info("turn completed",
		zap.String("conversation", conv.ID),
		zap.String("mode", modeUsed),
		zap.String("tier", tier),
		zap.Bool("rag", result.RAG != nil && result.RAG.Used))

	s.persistTurn(ctx, in.UserID, conv, question, comp.Content, true)
	return result, nil
}

// resolveConversation finds the caller's conversation or starts a new one.
func (s *ChatService) resolveConversation(userID, conversationID, kind string) (*store.Conversation, error) {
	if conversationID != "" {
		conv, err := s.dbStore.GetConversation(userID, conversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	conv, err := s.dbStore.CreateConversation(userID, kind, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// assembleMessages builds persona + history + the current user turn. A
// caller-supplied system message overrides the default persona; the user
// turn carries the retrieved context in pro mode.
func (s *ChatService) assembleMessages(conversationID, kind string, inbound []llm.Message, userContent string) []llm.Message {
	persona := doctorSystemPrompt
	if kind == store.KindSocial {
		persona = friendSystemPrompt
	}
	for _, m := range inbound {
		if m.Role == store.RoleSystem && m.Content != "" {
			persona = m.Content
			break
		}
	}

	history, err := s.dbStore.GetLastNMessages(conversationID, historyDepth)
	if err != nil {
		s.logger.Warn("failed to load history, continuing without it", zap.Error(err))
		history = nil
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: store.RoleSystem, Content: persona})
	for _, h := range history {
		if h.Role == store.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: store.RoleUser, Content: userContent})
	return msgs
}

// dispatchAttempt is one strategy in the ordered fallback chain.
type dispatchAttempt struct {
	name string
	mode string // cpu | gpu
	run  func(ctx context.Context) (*llm.Completion, error)
}

// dispatch walks the fallback chain: with target gpu, the registry-selected
// endpoint is tried in its primary shape, then the alternate shape, then the
// local engine; with target cpu, only the local engine. The first success
// wins; the accumulated failure reasons come back when nothing does.
func (s *ChatService) dispatch(ctx context.Context, state runtime.State, req llm.CompletionRequest) (*llm.Completion, string, error) {
	var attempts []dispatchAttempt

	if state.Target == runtime.TargetGPU {
		strategy := registry.RoundRobin
		if state.GPUURL != "" {
			strategy = registry.Sticky
		}
		base := s.backends.Select(strategy, state.GPUURL)
		if base != "" {
			attempts = append(attempts,
				dispatchAttempt{name: "remote-primary", mode: runtime.TargetGPU, run: func(ctx context.Context) (*llm.Completion, error) {
					return s.remote.CompleteOpenAI(ctx, base, req)
				}},
				dispatchAttempt{name: "remote-alternate", mode: runtime.TargetGPU, run: func(ctx context.Context) (*llm.Completion, error) {
					return s.remote.CompleteSimple(ctx, base, req)
				}},
			)
		}
	}
	attempts = append(attempts, dispatchAttempt{name: "local", mode: runtime.TargetCPU, run: func(ctx context.Context) (*llm.Completion, error) {
		return s.local.Generate(ctx, req)
	}})

	var failures []error
	for _, att := range attempts {
		comp, err := att.run(ctx)
		if err == nil {
			if len(failures) > 0 {
				s.logger.Info("generation fell back", zap.String("served_by", att.name))
			}
			return comp, att.mode, nil
		}
		s.logger.Warn("generation attempt failed", zap.String("attempt", att.name), zap.Error(err))
		failures = append(failures, fmt.Errorf("%s: %w", att.name, err))
	}
	return nil, "", errors.Join(failures...)
}

// persistTurn appends the user/assistant pair atomically and, on the first
// exchange of a conversation, derives a title exactly once. Refused and
// failed turns title from the user text alone so no further generation call
// is spent on them.
func (s *ChatService) persistTurn(ctx context.Context, userID string, conv *store.Conversation, userText, assistantText string, generateTitle bool) {
	_, err := s.dbStore.AppendExchange(userID, conv.ID, []store.Message{
		{Role: store.RoleUser, Content: userText},
		{Role: store.RoleAssistant, Content: assistantText},
	})
	if err != nil {
		s.logger.Error("failed to persist exchange", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}

	if conv.Title == "" {
		title := s.titler.FallbackTitle(userText, assistantText)
		if generateTitle {
			title = s.titler.Title(ctx, userText, assistantText)
		}
		applied, err := s.dbStore.SetTitleIfEmpty(userID, conv.ID, title)
		if err != nil {
			s.logger.Warn("failed to save conversation title", zap.Error(err))
		} else if applied {
			s.logger.Info("conversation titled", zap.String("conversation", conv.ID), zap.String("title", title))
		}
	}
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser {
			return msgs[i].Content
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	return ""
}
