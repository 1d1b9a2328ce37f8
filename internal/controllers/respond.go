package controllers

import (
	"net/http"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/middleware"
	"github.com/gin-gonic/gin"
)

// respondError writes err as a JSON error with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err, "api").
			WithField("path", c.Request.URL.Path).
			Error("Request failed")
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error": apperrors.Message(err),
		"kind":  apperrors.KindOf(err),
	})
}

// currentUser returns the authenticated user or writes a 401.
func currentUser(c *gin.Context) (uint, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return 0, false
	}
	return userID, true
}
