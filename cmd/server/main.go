package main

import (
	"chat-stream/internal/api/handlers"
	"chat-stream/internal/auth"
	"chat-stream/internal/config"
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/postgres"
	chatService "chat-stream/internal/service/chat"
	conversationService "chat-stream/internal/service/conversation"
	"chat-stream/internal/service/llm"
	memoryService "chat-stream/internal/service/memory"
	quotaService "chat-stream/internal/service/quota"
	"chat-stream/internal/service/stream"
	"net/http"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load configuration")
	}

	logger.Log.Info("Initializing database...")
	database, err := postgres.NewPostgresDB(cfg.Database)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	// Services
	provider := llm.NewOpenRouterProvider(&cfg.LLM, cfg.Models)
	conversations := conversationService.NewConversationService(database)
	mem := memoryService.NewMemoryService(database)
	quotas := quotaService.NewQuotaService(database, cfg.Models)
	orchestrator := stream.NewStreamOrchestrator(mem, quotas)
	chats := chatService.NewChatService(provider, conversations, mem, quotas, orchestrator, cfg.Models)

	authService := auth.NewAuthService(database, quotas, cfg.Auth)
	chatHandlers := handlers.NewChatHandlers(chats, conversations, mem, cfg.Models)
	quotaHandlers := handlers.NewQuotaHandlers(quotas)

	mux := http.NewServeMux()

	corsHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusOK)
	}

	protected := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authService.Middleware(h))
	}

	// Public routes
	mux.HandleFunc("POST /api/login", enableCORS(authService.LoginHandler))
	mux.HandleFunc("OPTIONS /api/login", corsHandler)
	mux.HandleFunc("POST /api/register", enableCORS(authService.RegisterHandler))
	mux.HandleFunc("OPTIONS /api/register", corsHandler)
	mux.HandleFunc("GET /api/health", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	mux.HandleFunc("OPTIONS /api/health", corsHandler)
	mux.HandleFunc("GET /api/models", enableCORS(chatHandlers.GetModelsHandler))
	mux.HandleFunc("OPTIONS /api/models", corsHandler)

	// Chat and conversation routes
	mux.HandleFunc("POST /api/chat/stream", protected(chatHandlers.ChatStreamHandler))
	mux.HandleFunc("OPTIONS /api/chat/stream", corsHandler)
	mux.HandleFunc("GET /api/conversations", protected(chatHandlers.GetConversationsHandler))
	mux.HandleFunc("OPTIONS /api/conversations", corsHandler)
	mux.HandleFunc("GET /api/conversations/{id}/messages", protected(chatHandlers.GetConversationMessagesHandler))
	mux.HandleFunc("DELETE /api/conversations/{id}/messages", protected(chatHandlers.ClearConversationMessagesHandler))
	mux.HandleFunc("OPTIONS /api/conversations/{id}/messages", corsHandler)
	mux.HandleFunc("PUT /api/conversations/{id}/title", protected(chatHandlers.UpdateConversationTitleHandler))
	mux.HandleFunc("OPTIONS /api/conversations/{id}/title", corsHandler)
	mux.HandleFunc("DELETE /api/conversations/{id}", protected(chatHandlers.DeleteConversationHandler))
	mux.HandleFunc("OPTIONS /api/conversations/{id}", corsHandler)

	// Quota routes
	mux.HandleFunc("GET /api/quotas", protected(quotaHandlers.GetMyQuotasHandler))
	mux.HandleFunc("OPTIONS /api/quotas", corsHandler)
	mux.HandleFunc("GET /api/quotas/{modelId}", protected(quotaHandlers.GetMyQuotaHandler))
	mux.HandleFunc("OPTIONS /api/quotas/{modelId}", corsHandler)
	mux.HandleFunc("GET /api/quotas/{modelId}/check", protected(quotaHandlers.CheckQuotaHandler))
	mux.HandleFunc("OPTIONS /api/quotas/{modelId}/check", corsHandler)
	mux.HandleFunc("POST /api/admin/quotas/recharge", protected(quotaHandlers.RechargeHandler))
	mux.HandleFunc("OPTIONS /api/admin/quotas/recharge", corsHandler)
	mux.HandleFunc("POST /api/admin/quotas/init", protected(quotaHandlers.InitQuotasHandler))
	mux.HandleFunc("OPTIONS /api/admin/quotas/init", corsHandler)

	logger.Log.WithField("port", cfg.Server.Port).Info("Server starting")

	if err := http.ListenAndServe(":"+cfg.Server.Port, mux); err != nil {
		logger.Log.WithError(err).Fatal("Server failed to start")
	}
}
