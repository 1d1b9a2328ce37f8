package models

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to AnalysisStatus
		want     bool
	}{
		{AnalysisStatusPending, AnalysisStatusProcessing, true},
		{AnalysisStatusPending, AnalysisStatusCompleted, false},
		{AnalysisStatusPending, AnalysisStatusFailed, true},
		{AnalysisStatusProcessing, AnalysisStatusContextReady, true},
		{AnalysisStatusProcessing, AnalysisStatusCompleted, true},
		{AnalysisStatusContextReady, AnalysisStatusFailed, true},
		{AnalysisStatusContextReady, AnalysisStatusProcessing, false},
		{AnalysisStatusCompleted, AnalysisStatusFailed, false},
		{AnalysisStatusFailed, AnalysisStatusProcessing, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourceStatuses(t *testing.T) {
	got := SourceStatuses(AnalysisStatusCompleted)
	if len(got) != 2 || got[0] != AnalysisStatusProcessing || got[1] != AnalysisStatusContextReady {
		t.Errorf("unexpected sources for completed: %v", got)
	}

	if len(SourceStatuses(AnalysisStatusPending)) != 0 {
		t.Errorf("pending must not be reachable")
	}
}

func TestDecodeNullColumns(t *testing.T) {
	a := &Analysis{}
	qf, err := a.DecodeQuickFacts()
	if err != nil || qf != nil {
		t.Errorf("expected nil quick facts, got %v, %v", qf, err)
	}

	a.QuickFacts = []byte(`{"company_name":"Acme","founders":["Ada"]}`)
	qf, err = a.DecodeQuickFacts()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if qf.CompanyName != "Acme" || len(qf.Founders) != 1 {
		t.Errorf("unexpected quick facts: %+v", qf)
	}
}
