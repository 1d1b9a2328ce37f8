package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/deckflow/backend/internal/db"
	"github.com/deckflow/backend/internal/llm"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RunCounter reports in-flight pipeline runs.
type RunCounter interface {
	ActiveRuns() int
}

type SystemController struct {
	db        *gorm.DB
	providers map[string]llm.Provider
	tracker   *llm.CallTracker
	runs      RunCounter
	version   string
}

// NewSystemController takes the providers keyed by the stage that uses them.
func NewSystemController(conn *gorm.DB, providers map[string]llm.Provider, tracker *llm.CallTracker, runs RunCounter, version string) *SystemController {
	return &SystemController{
		db:        conn,
		providers: providers,
		tracker:   tracker,
		runs:      runs,
		version:   version,
	}
}

// Health pings the database
func (sc *SystemController) Health(c *gin.Context) {
	dbStatus := gin.H{"status": "ok"}
	statusCode := http.StatusOK
	overall := "ok"
	if err := db.Ping(sc.db); err != nil {
		dbStatus = gin.H{"status": "error", "error": err.Error()}
		statusCode = http.StatusServiceUnavailable
		overall = "error"
	}

	body := gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   sc.version,
		"services": gin.H{
			"database": dbStatus,
		},
	}
	if sc.runs != nil {
		body["activeRuns"] = sc.runs.ActiveRuns()
	}
	c.JSON(statusCode, body)
}

// GetLLMStatus checks every configured provider and returns recent calls
func (sc *SystemController) GetLLMStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	providers := gin.H{}
	for stage, p := range sc.providers {
		entry := gin.H{
			"provider": p.Name(),
			"model":    p.Model(),
			"status":   "healthy",
		}
		if err := p.Health(ctx); err != nil {
			entry["status"] = "unhealthy"
			entry["error"] = err.Error()
		}
		if o, ok := p.(*llm.OllamaClient); ok {
			if models, err := o.AvailableModels(ctx); err == nil {
				entry["availableModels"] = models
			}
		}
		providers[stage] = entry
	}

	calls := sc.tracker.Calls()
	c.JSON(http.StatusOK, gin.H{
		"providers": providers,
		"calls":     calls,
		"total":     len(calls),
	})
}

// ClearLLMCalls empties the call tracker
func (sc *SystemController) ClearLLMCalls(c *gin.Context) {
	sc.tracker.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "LLM API calls cleared"})
}
