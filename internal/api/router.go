package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(apiHandler.IdentityMiddleware)

		// Generation
		r.Post("/chat/completions", apiHandler.ChatCompletionsHandler)
		r.Post("/friend-chat/completions", apiHandler.FriendChatHandler)
		r.Post("/health-lookup", apiHandler.HealthLookupHandler)

		// Conversations
		r.Get("/conversations", apiHandler.ListConversationsHandler)
		r.Post("/conversations/new", apiHandler.CreateConversationHandler)
		r.Post("/conversations", apiHandler.CreateConversationHandler)
		r.Get("/conversations/{conversationID}", apiHandler.GetConversationHandler)
		r.Patch("/conversations/{conversationID}/title", apiHandler.SetTitleHandler)
		r.Post("/conversations/{conversationID}/auto-title", apiHandler.AutoTitleHandler)
		r.Delete("/conversations/{conversationID}", apiHandler.DeleteConversationHandler)

		// Runtime control
		r.Get("/runtime/state", apiHandler.GetRuntimeStateHandler)
		r.Post("/runtime/state", apiHandler.SetRuntimeStateHandler)
		r.Get("/runtime/mode", apiHandler.GetRuntimeModeHandler) // legacy shape
		r.Post("/runtime/mode", apiHandler.SetRuntimeModeHandler)
		r.Get("/runtime/events", apiHandler.RuntimeEventsHandler)

		// Backend fleet
		r.Get("/servers", apiHandler.ListServersHandler)
		r.Post("/servers", apiHandler.RegisterServerHandler)
		r.Get("/models", apiHandler.ListModelsHandler)

		// Reference data
		r.Get("/benh", apiHandler.BenhHandler)
		r.Get("/thuoc", apiHandler.ThuocHandler)
	})

	return r
}
