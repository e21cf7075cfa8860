package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"doctorai.vn/medical-consultation/internal/auth"
	"doctorai.vn/medical-consultation/internal/config"
	"doctorai.vn/medical-consultation/internal/core"
	"doctorai.vn/medical-consultation/internal/llm"
	"doctorai.vn/medical-consultation/internal/registry"
	"doctorai.vn/medical-consultation/internal/runtime"
	"doctorai.vn/medical-consultation/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

type APIHandler struct {
	chatService   *core.ChatService
	lookupService *core.LookupService
	dbStore       *store.SQLiteStore
	modes         *runtime.Controller
	backends      *registry.Registry
	refdata       *core.ReferenceData
	logger        *zap.Logger
}

func NewAPIHandler(
	chatService *core.ChatService,
	lookupService *core.LookupService,
	dbStore *store.SQLiteStore,
	modes *runtime.Controller,
	backends *registry.Registry,
	refdata *core.ReferenceData,
	logger *zap.Logger,
) *APIHandler {
	return &APIHandler{
		chatService:   chatService,
		lookupService: lookupService,
		dbStore:       dbStore,
		modes:         modes,
		backends:      backends,
		refdata:       refdata,
		logger:        logger,
	}
}

// IdentityMiddleware resolves the caller's identity from the Authorization
// header. Missing or invalid credentials resolve to the anonymous user; no
// request is rejected for lack of a token.
func (h *APIHandler) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserFromAuthHeader(r.Header.Get("Authorization"))
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(r *http.Request) string {
	if uid, ok := r.Context().Value(userIDKey).(string); ok && uid != "" {
		return uid
	}
	return auth.Anonymous
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}

type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []llm.Message `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"`
	Created        int64           `json:"created"`
	Model          string          `json:"model"`
	Choices        []chatChoice    `json:"choices"`
	ConversationID string          `json:"conversation_id"`
	ModeUsed       string          `json:"mode_used"`
	RAG            json.RawMessage `json:"rag,omitempty"`
}

func (h *APIHandler) chat(w http.ResponseWriter, r *http.Request, kind string) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.respondError(w, http.StatusBadRequest, "messages are required")
		return
	}

	userID := userIDFrom(r)
	if userID == auth.Anonymous && strings.TrimSpace(req.UserID) != "" {
		userID = strings.TrimSpace(req.UserID)
	}

	tier := ""
	switch strings.ToLower(strings.TrimSpace(req.Model)) {
	case runtime.TierFlash, runtime.TierPro:
		tier = strings.ToLower(strings.TrimSpace(req.Model))
	}

	result, err := h.chatService.Chat(r.Context(), core.ChatInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Kind:           kind,
		Tier:           tier,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		h.logger.Error("chat turn failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to process chat turn")
		return
	}

	resp := chatCompletionResponse{
		ID:             result.ID,
		Object:         "chat.completion",
		Created:        time.Now().Unix(),
		Model:          result.Tier,
		Choices:        []chatChoice{{Message: llm.Message{Role: store.RoleAssistant, Content: result.Content}, FinishReason: "stop"}},
		ConversationID: result.ConversationID,
		ModeUsed:       result.ModeUsed,
	}
	if result.RAG != nil {
		if raw, err := json.Marshal(result.RAG); err == nil {
			resp.RAG = raw
		}
	} else if len(result.RAGRaw) > 0 {
		resp.RAG = result.RAGRaw
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ChatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, store.KindChat)
}

func (h *APIHandler) FriendChatHandler(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, store.KindSocial)
}

func (h *APIHandler) HealthLookupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query          string `json:"query"`
		Mode           string `json:"mode"`
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		h.respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	userID := userIDFrom(r)
	if userID == auth.Anonymous && strings.TrimSpace(req.UserID) != "" {
		userID = strings.TrimSpace(req.UserID)
	}

	result := h.lookupService.Lookup(r.Context(), core.LookupInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		Mode:           req.Mode,
	})
	h.respondJSON(w, http.StatusOK, result)
}

type conversationResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	CreatedAt  string `json:"created_at"`
	LastActive string `json:"last_active"`
}

func toConversationResponse(c *store.Conversation) conversationResponse {
	return conversationResponse{
		ID:         c.ID,
		Kind:       c.Kind,
		Title:      c.Title,
		CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339),
		LastActive: c.LastActive.UTC().Format(time.RFC3339),
	}
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != store.KindChat && kind != store.KindSocial {
		h.respondError(w, http.StatusBadRequest, "kind must be chat or social")
		return
	}
	convs, err := h.dbStore.ListConversations(userIDFrom(r), kind)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	out := make([]conversationResponse, len(convs))
	for i := range convs {
		out[i] = toConversationResponse(&convs[i])
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind  string `json:"kind"`
		Title string `json:"title"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // an empty body means defaults
	}
	if req.Kind == "" {
		req.Kind = store.KindChat
	}
	if req.Kind != store.KindChat && req.Kind != store.KindSocial {
		h.respondError(w, http.StatusBadRequest, "kind must be chat or social")
		return
	}
	conv, err := h.dbStore.CreateConversation(userIDFrom(r), req.Kind, req.Title)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	h.respondJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	convID := chi.URLParam(r, "conversationID")

	conv, err := h.dbStore.GetConversation(userID, convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to load conversation", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	msgs, err := h.dbStore.GetMessages(userID, convID, page, pageSize)
	if err != nil {
		h.logger.Error("failed to load messages", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"conversation": toConversationResponse(conv),
		"messages":     msgs,
		"page":         page,
		"page_size":    pageSize,
	})
}

func (h *APIHandler) SetTitleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		h.respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	err := h.dbStore.SetTitle(userIDFrom(r), chi.URLParam(r, "conversationID"), strings.TrimSpace(req.Title))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to set title", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to set title")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"title": strings.TrimSpace(req.Title)})
}

// AutoTitleHandler regenerates a conversation title from its first exchange.
func (h *APIHandler) AutoTitleHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	convID := chi.URLParam(r, "conversationID")

	if _, err := h.dbStore.GetConversation(userID, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to load conversation", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	msgs, err := h.dbStore.GetMessages(userID, convID, 1, 10)
	if err != nil {
		h.logger.Error("failed to load messages", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	var userText, assistantText string
	for _, m := range msgs {
		if userText == "" && m.Role == store.RoleUser {
			userText = m.Content
		}
		if assistantText == "" && m.Role == store.RoleAssistant {
			assistantText = m.Content
		}
		if userText != "" && assistantText != "" {
			break
		}
	}

	title := h.chatService.Titler().Title(r.Context(), userText, assistantText)
	if err := h.dbStore.SetTitle(userID, convID, title); err != nil {
		h.logger.Error("failed to save title", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to save title")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	err := h.dbStore.DeleteConversation(userIDFrom(r), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to delete conversation", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetRuntimeStateHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.modes.State(userIDFrom(r)))
}

func (h *APIHandler) SetRuntimeStateHandler(w http.ResponseWriter, r *http.Request) {
	var patch runtime.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if patch.Target == nil && patch.Model == nil && patch.GPUURL == nil {
		h.respondError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if patch.Target != nil && *patch.Target != runtime.TargetCPU && *patch.Target != runtime.TargetGPU {
		h.respondError(w, http.StatusBadRequest, "target must be cpu or gpu")
		return
	}
	if patch.Model != nil && *patch.Model != runtime.TierFlash && *patch.Model != runtime.TierPro {
		h.respondError(w, http.StatusBadRequest, "model must be flash or pro")
		return
	}

	state, err := h.modes.SetState(userIDFrom(r), patch)
	if err != nil {
		h.logger.Error("failed to update runtime state", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to update runtime state")
		return
	}
	h.respondJSON(w, http.StatusOK, state)
}

// GetRuntimeModeHandler serves the legacy mode shape: target plus gpu_url.
func (h *APIHandler) GetRuntimeModeHandler(w http.ResponseWriter, r *http.Request) {
	state := h.modes.State(userIDFrom(r))
	out := map[string]string{"target": state.Target, "updated_at": state.UpdatedAt}
	if state.Target == runtime.TargetGPU && state.GPUURL != "" {
		out["gpu_url"] = state.GPUURL
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *APIHandler) SetRuntimeModeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
		GPUURL string `json:"gpu_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Target != runtime.TargetCPU && req.Target != runtime.TargetGPU {
		h.respondError(w, http.StatusBadRequest, "target must be cpu or gpu")
		return
	}

	patch := runtime.Patch{Target: &req.Target}
	if req.GPUURL != "" {
		patch.GPUURL = &req.GPUURL
	}
	state, err := h.modes.SetState(userIDFrom(r), patch)
	if err != nil {
		h.logger.Error("failed to update runtime mode", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to update runtime mode")
		return
	}

	out := map[string]string{"target": state.Target, "updated_at": state.UpdatedAt}
	if state.Target == runtime.TargetGPU && state.GPUURL != "" {
		out["gpu_url"] = state.GPUURL
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *APIHandler) RuntimeEventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := h.modes.Events(limit)
	if err != nil {
		h.logger.Error("failed to read runtime events", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to read runtime events")
		return
	}
	if events == nil {
		events = []runtime.Event{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *APIHandler) ListServersHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"servers": h.backends.List()})
}

// RegisterServerHandler receives heartbeats from remote GPU servers.
func (h *APIHandler) RegisterServerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := h.backends.Register(req.URL); err != nil {
		h.logger.Error("failed to register server", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to register server")
		return
	}
	h.logger.Info("backend registered", zap.String("url", req.URL))
	h.respondJSON(w, http.StatusOK, map[string]any{"servers": h.backends.List()})
}

func (h *APIHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	state := h.modes.State(userIDFrom(r))
	h.respondJSON(w, http.StatusOK, map[string]any{
		"models": []map[string]string{
			{"id": runtime.TierFlash, "name": config.AppConfig.FlashModel},
			{"id": runtime.TierPro, "name": config.AppConfig.ProModel},
		},
		"active": map[string]string{"target": state.Target, "model": state.Model},
	})
}

func (h *APIHandler) BenhHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"items": h.refdata.Diseases(r.URL.Query().Get("q"))})
}

func (h *APIHandler) ThuocHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"items": h.refdata.Drugs(r.URL.Query().Get("q"))})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
