package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"github.com/deckflow/backend/internal/statestore"
	"github.com/deckflow/backend/internal/storage"
	"github.com/gin-gonic/gin"
)

type DocumentController struct {
	store          *statestore.Store
	documents      storage.DocumentStore
	maxUploadBytes int64
}

func NewDocumentController(store *statestore.Store, documents storage.DocumentStore, maxUploadBytes int64) *DocumentController {
	return &DocumentController{
		store:          store,
		documents:      documents,
		maxUploadBytes: maxUploadBytes,
	}
}

// UploadDocument stores a pitch deck and records its metadata
func (dc *DocumentController) UploadDocument(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if dc.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, dc.maxUploadBytes+1<<20)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, apperrors.Validation("file is too large"))
			return
		}
		respondError(c, apperrors.Validation("no file uploaded"))
		return
	}
	if dc.maxUploadBytes > 0 && file.Size > dc.maxUploadBytes {
		respondError(c, apperrors.Validation("file is too large"))
		return
	}

	f, err := file.Open()
	if err != nil {
		respondError(c, apperrors.Internal("open upload", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, apperrors.Internal("read upload", err))
		return
	}

	info, err := storage.InspectDeck(data, file.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, err)
		return
	}

	path, err := dc.documents.Put(c.Request.Context(), storage.ContentPath(data, file.Filename), data)
	if err != nil {
		respondError(c, err)
		return
	}

	doc := models.Document{
		UserID:      userID,
		Filename:    file.Filename,
		ContentType: info.ContentType,
		SizeBytes:   int64(len(data)),
		SHA256:      storage.Digest(data),
		StoragePath: path,
		PageCount:   info.PageCount,
	}
	if err := dc.store.CreateDocument(c.Request.Context(), &doc); err != nil {
		respondError(c, apperrors.Internal("save document", err))
		return
	}

	logger.Info("Document uploaded", map[string]interface{}{
		"document_id": doc.ID,
		"user_id":     userID,
		"size_bytes":  doc.SizeBytes,
		"pages":       doc.PageCount,
	})
	c.JSON(http.StatusCreated, gin.H{
		"message":  "Document uploaded successfully",
		"document": doc,
	})
}

// GetDocument returns document metadata
func (dc *DocumentController) GetDocument(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	doc, err := dc.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if doc.UserID != userID {
		respondError(c, apperrors.Authorization("access denied"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"document": doc})
}
