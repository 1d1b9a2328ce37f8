package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"github.com/deckflow/backend/internal/services"
	"github.com/deckflow/backend/internal/statestore"
	"github.com/deckflow/backend/internal/stream"
	"github.com/gin-gonic/gin"
)

type AnalysisController struct {
	orchestrator *services.Orchestrator
	store        *statestore.Store
	heartbeat    time.Duration
}

func NewAnalysisController(orchestrator *services.Orchestrator, store *statestore.Store, heartbeat time.Duration) *AnalysisController {
	return &AnalysisController{
		orchestrator: orchestrator,
		store:        store,
		heartbeat:    heartbeat,
	}
}

type SubmitRequest struct {
	DocumentRef string `json:"documentRef"`
	JobKey      string `json:"jobKey"`
}

// SubmitAnalysis starts a run and streams its events as the response body.
// The run continues if the client goes away.
func (ac *AnalysisController) SubmitAnalysis(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("request body must be JSON with documentRef and jobKey"))
		return
	}

	analysis, sub, err := ac.orchestrator.Submit(c.Request.Context(), userID, req.JobKey, req.DocumentRef)
	if err != nil {
		respondError(c, err)
		return
	}

	stream.SetHeaders(c.Writer.Header())
	c.Header("X-Analysis-ID", analysis.ID)
	c.Status(http.StatusOK)

	err = stream.Relay(c.Request.Context(), c.Writer, sub, ac.heartbeat)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithAnalysis(analysis.ID, analysis.JobKey).WithError(err).Debug("Stream relay ended early")
	}
}

// GetAnalysis returns the latest analysis for a job key
func (ac *AnalysisController) GetAnalysis(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	analysis, err := ac.ownedByKey(c.Request.Context(), userID, c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"analysis": analysis})
}

// GetAnalysisSteps returns the step log of the latest analysis for a job key
func (ac *AnalysisController) GetAnalysisSteps(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	analysis, err := ac.ownedByKey(c.Request.Context(), userID, c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	steps, err := ac.store.ListSteps(c.Request.Context(), analysis.ID)
	if err != nil {
		respondError(c, apperrors.Internal("list steps", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysisId": analysis.ID,
		"steps":      steps,
	})
}

// WatchAnalysis streams the full analysis record on every change until it
// reaches a terminal status or the client disconnects.
func (ac *AnalysisController) WatchAnalysis(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	key := c.Param("key")

	// Subscribe before reading the snapshot so no change falls between them.
	changes, unsubscribe, err := ac.store.Feed().Subscribe(ctx, key)
	if err != nil {
		respondError(c, apperrors.Internal("subscribe to changes", err))
		return
	}
	defer unsubscribe()

	snapshot, err := ac.ownedByKey(ctx, userID, key)
	if err != nil {
		respondError(c, err)
		return
	}

	stream.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	if err := stream.WriteJSON(c.Writer, snapshot); err != nil {
		return
	}
	c.Writer.Flush()
	if snapshot.Status.Terminal() {
		return
	}

	var tick <-chan time.Time
	if ac.heartbeat > 0 {
		t := time.NewTicker(ac.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	current := snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := stream.WriteComment(c.Writer, "keepalive"); err != nil {
				return
			}
			c.Writer.Flush()
		case a, ok := <-changes:
			if !ok {
				return
			}
			if a.UserID != userID || stale(current, &a) {
				continue
			}
			current = &a
			if err := stream.WriteJSON(c.Writer, a); err != nil {
				return
			}
			c.Writer.Flush()
			if a.Status.Terminal() {
				return
			}
		}
	}
}

// stale reports whether next is an older version of the record already sent.
func stale(current, next *models.Analysis) bool {
	if next.ID != current.ID {
		return next.CreatedAt.Before(current.CreatedAt)
	}
	return next.UpdatedAt.Before(current.UpdatedAt)
}

func (ac *AnalysisController) ownedByKey(ctx context.Context, userID uint, key string) (*models.Analysis, error) {
	if key == "" {
		return nil, apperrors.Validation("job key is required")
	}
	return ac.store.LatestByKey(ctx, userID, key)
}
