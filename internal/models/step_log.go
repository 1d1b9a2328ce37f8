package models

import (
	"time"

	"gorm.io/datatypes"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

const (
	StepExtraction = "extraction"
	StepQuickFacts = "quick_facts"
	StepSynthesis  = "synthesis"
)

// WorkflowStepLog is an append-only record of one stage attempt.
type WorkflowStepLog struct {
	ID           string         `json:"id" gorm:"primaryKey;size:36"`
	AnalysisID   string         `json:"analysisId" gorm:"not null;size:36;index"`
	StepName     string         `json:"stepName" gorm:"not null;size:64"`
	Attempt      int            `json:"attempt" gorm:"not null"`
	Status       StepStatus     `json:"status" gorm:"not null;size:16"`
	Input        datatypes.JSON `json:"input,omitempty"`
	Output       datatypes.JSON `json:"output,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty" gorm:"type:text"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	DurationMs   *int64         `json:"durationMs,omitempty"`
}

func (WorkflowStepLog) TableName() string {
	return "workflow_step_logs"
}
