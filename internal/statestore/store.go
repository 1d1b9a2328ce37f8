// Package statestore persists analyses, step logs and documents, and publishes
// every committed analysis change to a Feed.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrRejected is returned when a guarded write matched no row: the analysis is
// terminal, or the requested transition is not allowed from its current status.
var ErrRejected = apperrors.Conflict("write rejected by analysis state guard")

type Store struct {
	db   *gorm.DB
	feed Feed
	now  func() time.Time
}

func New(db *gorm.DB, feed Feed) *Store {
	return &Store{db: db, feed: feed, now: time.Now}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Feed() Feed { return s.feed }

// Documents

func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(doc).Error
}

func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("document not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return &doc, nil
}

// SaveExtractedText stores OCR output next to the document.
func (s *Store) SaveExtractedText(ctx context.Context, documentID, text string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{"extracted_text": text, "extracted_at": now})
	if res.Error != nil {
		return fmt.Errorf("save extracted text: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("document not found", nil)
	}
	return nil
}

// Analyses

// CreateAnalysis inserts a pending analysis unless the owner already has a
// non-terminal one under the same key. Keys are scoped per user.
func (s *Store) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = models.AnalysisStatusPending
	a.ProgressPercent = 0
	a.CurrentStep = "queued"

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.Analysis{}).
			Where("user_id = ? AND job_key = ? AND status IN ?", a.UserID, a.JobKey, models.NonTerminalStatuses).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return apperrors.Conflict("an analysis for this key is already in progress")
		}
		return tx.Create(a).Error
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindConflict) {
			return err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.Conflict("an analysis for this key is already in progress")
		}
		return fmt.Errorf("create analysis: %w", err)
	}

	s.publish(ctx, a)
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	var a models.Analysis
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("analysis not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	return &a, nil
}

// LatestByKey returns the most recent analysis userID submitted under jobKey.
func (s *Store) LatestByKey(ctx context.Context, userID uint, jobKey string) (*models.Analysis, error) {
	var a models.Analysis
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND job_key = ?", userID, jobKey).
		Order("created_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("analysis not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	return &a, nil
}

// ListActive returns every non-terminal analysis.
func (s *Store) ListActive(ctx context.Context) ([]models.Analysis, error) {
	var out []models.Analysis
	err := s.db.WithContext(ctx).
		Where("status IN ?", models.NonTerminalStatuses).
		Order("created_at").
		Find(&out).Error
	return out, err
}

// ListExpired returns every non-terminal analysis whose lease ended before now.
// A missing lease counts as expired.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]models.Analysis, error) {
	var out []models.Analysis
	err := s.db.WithContext(ctx).
		Where("status IN ?", models.NonTerminalStatuses).
		Where("lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Order("created_at").
		Find(&out).Error
	return out, err
}

// RenewLeases extends the lease of every non-terminal analysis held by owner.
// It is not a state change, so nothing is published and updated_at is kept.
func (s *Store) RenewLeases(ctx context.Context, owner string, until time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("owner_id = ? AND status IN ?", owner, models.NonTerminalStatuses).
		UpdateColumn("lease_expires_at", until)
	if res.Error != nil {
		return 0, fmt.Errorf("renew leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Patch is one guarded write. Nil fields are left untouched.
type Patch struct {
	Status       *models.AnalysisStatus
	Progress     *int
	CurrentStep  *string
	QuickFacts   datatypes.JSON
	Result       datatypes.JSON
	ErrorMessage *string

	// Owner and LeaseUntil record which process runs the analysis and until when.
	Owner      *string
	LeaseUntil *time.Time
	// LeaseExpiredBy restricts the write to analyses whose lease ended before it.
	LeaseExpiredBy *time.Time
}

func (p Patch) validate() error {
	if len(p.Result) > 0 && (p.Status == nil || *p.Status != models.AnalysisStatusCompleted) {
		return apperrors.Internal("result may only be written with completed", nil)
	}
	if p.ErrorMessage != nil && (p.Status == nil || *p.Status != models.AnalysisStatusFailed) {
		return apperrors.Internal("error message may only be written with failed", nil)
	}
	if p.Status != nil {
		switch *p.Status {
		case models.AnalysisStatusCompleted:
			if len(p.Result) == 0 {
				return apperrors.Internal("completed requires a result", nil)
			}
		case models.AnalysisStatusFailed:
			if p.ErrorMessage == nil || *p.ErrorMessage == "" {
				return apperrors.Internal("failed requires an error message", nil)
			}
		}
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return apperrors.Internal("progress out of range", nil)
	}
	return nil
}

// Apply performs a compare-status-then-write update. It never touches a terminal
// analysis, never lowers progress and never overwrites quick facts. It returns
// ErrRejected when the guard matched no row.
func (s *Store) Apply(ctx context.Context, id string, p Patch) (*models.Analysis, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("id = ? AND status IN ?", id, models.NonTerminalStatuses)

	now := s.now()
	updates := map[string]interface{}{"updated_at": now}

	if p.Status != nil {
		sources := models.SourceStatuses(*p.Status)
		if len(sources) == 0 {
			return nil, apperrors.Internal(fmt.Sprintf("status %s is not a transition target", *p.Status), nil)
		}
		q = q.Where("status IN ?", sources)
		updates["status"] = *p.Status
		if *p.Status == models.AnalysisStatusProcessing {
			q = q.Where("started_at IS NULL")
			updates["started_at"] = now
		}
		if p.Status.Terminal() {
			updates["completed_at"] = now
		}
	}
	if p.Progress != nil {
		updates["progress_percent"] = gorm.Expr(
			"CASE WHEN progress_percent < ? THEN ? ELSE progress_percent END", *p.Progress, *p.Progress)
	}
	if p.CurrentStep != nil {
		updates["current_step"] = *p.CurrentStep
	}
	if len(p.QuickFacts) > 0 {
		q = q.Where("quick_facts IS NULL")
		updates["quick_facts"] = p.QuickFacts
	}
	if len(p.Result) > 0 {
		updates["result"] = p.Result
	}
	if p.ErrorMessage != nil {
		updates["error_message"] = *p.ErrorMessage
	}
	if p.Owner != nil {
		updates["owner_id"] = *p.Owner
	}
	if p.LeaseUntil != nil {
		updates["lease_expires_at"] = *p.LeaseUntil
	}
	if p.LeaseExpiredBy != nil {
		q = q.Where("lease_expires_at IS NULL OR lease_expires_at < ?", *p.LeaseExpiredBy)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update analysis: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrRejected
	}

	a, err := s.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, a)
	return a, nil
}

func (s *Store) publish(ctx context.Context, a *models.Analysis) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(context.WithoutCancel(ctx), a); err != nil {
		logger.WithError(err, "statestore").
			WithField("analysis_id", a.ID).
			Warn("Failed to publish analysis change")
	}
}

// Step logs

// OpenStep appends a running step log for one stage attempt.
func (s *Store) OpenStep(ctx context.Context, analysisID, step string, attempt int, input interface{}) (*models.WorkflowStepLog, error) {
	log := &models.WorkflowStepLog{
		ID:         uuid.NewString(),
		AnalysisID: analysisID,
		StepName:   step,
		Attempt:    attempt,
		Status:     models.StepStatusRunning,
		Input:      toJSON(input),
		StartedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return nil, fmt.Errorf("open step log: %w", err)
	}
	return log, nil
}

// CloseStep finalizes a step log. A closed log is never written again.
func (s *Store) CloseStep(ctx context.Context, log *models.WorkflowStepLog, status models.StepStatus, output interface{}, errMsg string) error {
	now := s.now()
	duration := now.Sub(log.StartedAt).Milliseconds()

	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
		"duration_ms":  duration,
	}
	if out := toJSON(output); len(out) > 0 {
		updates["output"] = out
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}

	res := s.db.WithContext(ctx).Model(&models.WorkflowStepLog{}).
		Where("id = ? AND completed_at IS NULL", log.ID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("close step log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.Conflict("step log already closed")
	}

	log.Status = status
	log.CompletedAt = &now
	log.DurationMs = &duration
	if errMsg != "" {
		log.ErrorMessage = &errMsg
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, analysisID string) ([]models.WorkflowStepLog, error) {
	var out []models.WorkflowStepLog
	err := s.db.WithContext(ctx).
		Where("analysis_id = ?", analysisID).
		Order("started_at, attempt").
		Find(&out).Error
	return out, err
}

func toJSON(v interface{}) datatypes.JSON {
	switch t := v.(type) {
	case nil:
		return nil
	case datatypes.JSON:
		return t
	case json.RawMessage:
		return datatypes.JSON(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
