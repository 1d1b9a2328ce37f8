package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deckflow/backend/internal/clients"
	"github.com/deckflow/backend/internal/config"
	"github.com/deckflow/backend/internal/db"
	"github.com/deckflow/backend/internal/llm"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/middleware"
	"github.com/deckflow/backend/internal/models"
	"github.com/deckflow/backend/internal/routes"
	"github.com/deckflow/backend/internal/services"
	"github.com/deckflow/backend/internal/statestore"
	"github.com/deckflow/backend/internal/storage"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})

	conn, err := db.Connect(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	if err := db.AutoMigrate(conn); err != nil {
		logger.Fatal("Failed to migrate database", map[string]interface{}{"error": err.Error()})
	}

	ctx := context.Background()

	feed, err := newFeed(ctx, cfg, conn)
	if err != nil {
		logger.Fatal("Failed to start change feed", map[string]interface{}{"error": err.Error(), "backend": cfg.Feed.Backend})
	}
	defer feed.Close()

	documents, closeDocuments, err := newDocumentStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open document store", map[string]interface{}{"error": err.Error(), "backend": cfg.Storage.Backend})
	}
	defer closeDocuments()

	store := statestore.New(conn, feed)

	tracker := llm.NewCallTracker()
	quickFactsProvider, err := llm.New(cfg.QuickFacts, tracker)
	if err != nil {
		logger.Fatal("Failed to configure quick facts provider", map[string]interface{}{"error": err.Error()})
	}
	synthesisProvider, err := llm.New(cfg.Synthesis, tracker)
	if err != nil {
		logger.Fatal("Failed to configure synthesis provider", map[string]interface{}{"error": err.Error()})
	}

	quickFacts, err := clients.NewLLMQuickFacts(quickFactsProvider, cfg.Pipeline.MaxExtractedChars, cfg.QuickFacts.MaxTokens, cfg.QuickFacts.Temperature)
	if err != nil {
		logger.Fatal("Failed to compile quick facts schema", map[string]interface{}{"error": err.Error()})
	}

	orchestrator := services.NewOrchestrator(store, documents, services.Pipeline{
		Extraction: clients.NewOCRClient(cfg.OCR.BaseURL, cfg.OCR.APIKey, cfg.OCR.Model, &http.Client{}),
		QuickFacts: quickFacts,
		Synthesis:  clients.NewLLMSynthesis(synthesisProvider, cfg.Pipeline.MaxExtractedChars, cfg.Synthesis.MaxTokens, cfg.Synthesis.Temperature),
	}, cfg.Pipeline, services.Timeouts{
		Extraction: cfg.OCR.Timeout,
		QuickFacts: cfg.QuickFacts.Timeout,
		Synthesis:  cfg.Synthesis.Timeout,
	})

	// Nothing is running yet, so every non-terminal analysis was left behind by a previous process.
	if _, err := orchestrator.RecoverInterrupted(ctx); err != nil {
		logger.Error("Failed to recover interrupted analyses", map[string]interface{}{"error": err.Error()})
	}

	if cfg.Server.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigin))
	r.Use(gin.Recovery())

	routes.SetupRoutes(r, routes.Dependencies{
		Config:       cfg,
		DB:           conn,
		Store:        store,
		Documents:    documents,
		Orchestrator: orchestrator,
		Providers: map[string]llm.Provider{
			models.StepQuickFacts: quickFactsProvider,
			models.StepSynthesis:  synthesisProvider,
		},
		Tracker: tracker,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting deckflow server", map[string]interface{}{
		"port":      cfg.Server.Port,
		"gin_mode":  gin.Mode(),
		"feed":      cfg.Feed.Backend,
		"storage":   cfg.Storage.Backend,
		"db_driver": cfg.Database.Driver,
		"max_runs":  cfg.Pipeline.MaxConcurrentRuns,
		"quick_llm": cfg.QuickFacts.Provider + "/" + cfg.QuickFacts.Model,
		"memo_llm":  cfg.Synthesis.Provider + "/" + cfg.Synthesis.Model,
		"version":   version,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("Shutting down server gracefully...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Runs finish (or are marked interrupted) first, which also ends their open streams.
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Error("Analyses still running at shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	} else {
		logger.Info("Server exited gracefully", nil)
	}
}

func newFeed(ctx context.Context, cfg *config.Config, conn *gorm.DB) (statestore.Feed, error) {
	switch cfg.Feed.Backend {
	case "redis":
		return statestore.NewRedisFeed(ctx, cfg.Feed.RedisAddr, cfg.Feed.RedisPassword, cfg.Feed.RedisDB, cfg.Feed.ChannelPrefix)
	case "postgres":
		return statestore.NewPostgresFeed(conn, cfg.Database.DSN())
	default:
		return statestore.NewMemoryFeed(), nil
	}
}

func newDocumentStore(ctx context.Context, cfg config.StorageConfig) (storage.DocumentStore, func(), error) {
	if cfg.Backend == "gcs" {
		gcs, err := storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, nil, err
		}
		return gcs, func() { gcs.Close() }, nil
	}
	local, err := storage.NewLocalStore(cfg.LocalRoot)
	if err != nil {
		return nil, nil, err
	}
	return local, func() {}, nil
}
