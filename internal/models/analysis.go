package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type AnalysisStatus string

const (
	AnalysisStatusPending      AnalysisStatus = "pending"
	AnalysisStatusProcessing   AnalysisStatus = "processing"
	AnalysisStatusContextReady AnalysisStatus = "context_ready"
	AnalysisStatusCompleted    AnalysisStatus = "completed"
	AnalysisStatusFailed       AnalysisStatus = "failed"
)

// NonTerminalStatuses are the statuses a guarded write may start from.
var NonTerminalStatuses = []AnalysisStatus{
	AnalysisStatusPending,
	AnalysisStatusProcessing,
	AnalysisStatusContextReady,
}

func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusFailed
}

// pending -> failed covers runs that never started: submitted during shutdown,
// or left unclaimed by a process whose lease expired.
var transitions = map[AnalysisStatus][]AnalysisStatus{
	AnalysisStatusPending:      {AnalysisStatusProcessing, AnalysisStatusFailed},
	AnalysisStatusProcessing:   {AnalysisStatusContextReady, AnalysisStatusCompleted, AnalysisStatusFailed},
	AnalysisStatusContextReady: {AnalysisStatusCompleted, AnalysisStatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to AnalysisStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceStatuses returns every status from which to is reachable in one step.
func SourceStatuses(to AnalysisStatus) []AnalysisStatus {
	var out []AnalysisStatus
	for _, from := range NonTerminalStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Analysis is one pipeline execution for one submitted document.
type Analysis struct {
	ID              string         `json:"id" gorm:"primaryKey;size:36"`
	JobKey          string         `json:"jobKey" gorm:"not null;size:128;index"`
	DocumentID      string         `json:"documentId" gorm:"not null;size:36;index"`
	UserID          uint           `json:"userId" gorm:"not null;index"`
	Status          AnalysisStatus `json:"status" gorm:"not null;size:32;default:'pending'"`
	ProgressPercent int            `json:"progressPercent" gorm:"not null;default:0"`
	CurrentStep     string         `json:"currentStep"`
	QuickFacts      datatypes.JSON `json:"quickFacts,omitempty"`
	Result          datatypes.JSON `json:"result,omitempty"`
	ErrorMessage    *string        `json:"errorMessage,omitempty" gorm:"type:text"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	OwnerID         string         `json:"-" gorm:"size:36;index"`
	LeaseExpiresAt  *time.Time     `json:"-" gorm:"index"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (Analysis) TableName() string {
	return "analyses"
}

// QuickFacts is the small structured record pulled from the deck text.
type QuickFacts struct {
	CompanyName string   `json:"company_name"`
	OneLiner    string   `json:"one_liner"`
	Sector      string   `json:"sector"`
	Stage       string   `json:"stage"`
	Location    string   `json:"location"`
	FundingAsk  string   `json:"funding_ask"`
	Founders    []string `json:"founders"`
}

// MemoResult is stored in Analysis.Result on completion.
type MemoResult struct {
	Text           string    `json:"text"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Chunks         int       `json:"chunks"`
	Characters     int       `json:"characters"`
	DurationMs     int64     `json:"duration_ms"`
	QuickFactsUsed bool      `json:"quick_facts_used"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// DecodeQuickFacts returns nil when quick facts are not yet available.
func (a *Analysis) DecodeQuickFacts() (*QuickFacts, error) {
	if len(a.QuickFacts) == 0 {
		return nil, nil
	}
	var qf QuickFacts
	if err := json.Unmarshal(a.QuickFacts, &qf); err != nil {
		return nil, err
	}
	return &qf, nil
}

// DecodeResult returns nil unless the analysis completed.
func (a *Analysis) DecodeResult() (*MemoResult, error) {
	if len(a.Result) == 0 {
		return nil, nil
	}
	var r MemoResult
	if err := json.Unmarshal(a.Result, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
