package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"doctorai.vn/medical-consultation/internal/api"
	"doctorai.vn/medical-consultation/internal/config"
	"doctorai.vn/medical-consultation/internal/core"
	"doctorai.vn/medical-consultation/internal/llm"
	"doctorai.vn/medical-consultation/internal/registry"
	"doctorai.vn/medical-consultation/internal/runtime"
	"doctorai.vn/medical-consultation/internal/store"
)

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if level == "DEBUG" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func main() {
	config.LoadConfig()

	logger := newLogger(config.AppConfig.LogLevel)
	defer logger.Sync()

	// Command line flag for knowledge-base ingestion
	ingestFlag := flag.String("ingest", "", "Ingest a knowledge markdown file and exit")
	flag.Parse()

	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer dbStore.Close()

	ctx := context.Background()

	if *ingestFlag != "" {
		embedder, err := llm.NewGeminiEmbedder(ctx, config.AppConfig.GeminiAPIKey)
		if err != nil {
			logger.Fatal("failed to initialize embedder", zap.Error(err))
		}
		defer embedder.Close()

		logger.Info("starting knowledge ingestion", zap.String("file", *ingestFlag))
		n, err := dbStore.IngestKnowledgeFile(*ingestFlag, embedder.EmbedFunc())
		if err != nil {
			logger.Fatal("knowledge ingestion failed", zap.Error(err))
		}
		logger.Info("knowledge ingestion complete", zap.Int("chunks", n))
		return
	}

	modes, err := runtime.NewController(config.AppConfig.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize runtime controller", zap.Error(err))
	}

	backends, err := registry.New(config.AppConfig.DataDir, config.AppConfig.DefaultGPUURL, logger)
	if err != nil {
		logger.Fatal("failed to initialize server registry", zap.Error(err))
	}

	remote := llm.NewRemoteClient(os.Getenv("LLAMA_SERVER_AUTH"), logger)
	local := llm.NewLocalEngine(
		config.AppConfig.LlamaServerURL,
		config.AppConfig.FlashModel,
		config.AppConfig.ProModel,
		func(eventType, tier, errMsg string) {
			modes.AppendEvent(runtime.Event{Type: eventType, Tier: tier, Error: errMsg})
		},
		logger,
	)

	// Retrieval is optional: without an embedding key the service answers
	// from the model alone.
	var augmentor *core.Augmentor
	if config.AppConfig.GeminiAPIKey != "" {
		embedder, err := llm.NewGeminiEmbedder(ctx, config.AppConfig.GeminiAPIKey)
		if err != nil {
			logger.Warn("failed to initialize embedder, retrieval disabled", zap.Error(err))
		} else {
			defer embedder.Close()
			retriever, err := core.NewChunkRetriever(dbStore, embedder, logger)
			if err != nil {
				logger.Warn("failed to initialize retriever, retrieval disabled", zap.Error(err))
			} else {
				var reranker core.Reranker
				if config.AppConfig.RerankerURL != "" {
					reranker = core.NewHTTPReranker(config.AppConfig.RerankerURL)
				}
				augmentor = core.NewAugmentor(retriever, reranker, logger)
			}
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set, retrieval disabled")
	}

	chatService := core.NewChatService(dbStore, modes, backends, remote, local, augmentor, logger)

	refdata := core.NewReferenceData(config.AppConfig.DataDir)
	lookupService := core.NewLookupService(dbStore, modes, refdata, augmentor, chatService.Answer, chatService.QuickGenerate, logger)
	lookupService.SetForwarder(remote, backends)

	apiHandler := api.NewAPIHandler(chatService, lookupService, dbStore, modes, backends, refdata, logger)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // generation calls can take a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited gracefully")
}
