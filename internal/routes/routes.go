package routes

import (
	"github.com/deckflow/backend/internal/config"
	"github.com/deckflow/backend/internal/controllers"
	"github.com/deckflow/backend/internal/llm"
	"github.com/deckflow/backend/internal/middleware"
	"github.com/deckflow/backend/internal/services"
	"github.com/deckflow/backend/internal/statestore"
	"github.com/deckflow/backend/internal/storage"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Dependencies are the long-lived components the HTTP layer calls into.
type Dependencies struct {
	Config       *config.Config
	DB           *gorm.DB
	Store        *statestore.Store
	Documents    storage.DocumentStore
	Orchestrator *services.Orchestrator
	Providers    map[string]llm.Provider
	Tracker      *llm.CallTracker
	Version      string
}

// SetupRoutes configures all application routes
func SetupRoutes(r *gin.Engine, deps Dependencies) {
	documentController := controllers.NewDocumentController(deps.Store, deps.Documents, deps.Config.Server.MaxUploadBytes)
	analysisController := controllers.NewAnalysisController(deps.Orchestrator, deps.Store, deps.Config.Server.HeartbeatInterval)
	systemController := controllers.NewSystemController(deps.DB, deps.Providers, deps.Tracker, deps.Orchestrator, deps.Version)

	r.GET("/health", systemController.Health)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(deps.Config.Auth.JWTSecret))
	{
		documents := api.Group("/documents")
		{
			documents.POST("", documentController.UploadDocument)
			documents.GET("/:id", documentController.GetDocument)
		}

		analyses := api.Group("/analyses")
		{
			analyses.POST("", analysisController.SubmitAnalysis)
			analyses.GET("/:key", analysisController.GetAnalysis)
			analyses.GET("/:key/events", analysisController.WatchAnalysis)
			analyses.GET("/:key/steps", analysisController.GetAnalysisSteps)
		}

		system := api.Group("/system")
		{
			system.GET("/llm", systemController.GetLLMStatus)
			system.DELETE("/llm/calls", systemController.ClearLLMCalls)
		}
	}
}
