package llm

import (
	"fmt"
	"sync"
	"time"
)

const maxTrackedCalls = 100

// APICall is one recorded provider request.
type APICall struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Provider    string        `json:"provider"`
	Endpoint    string        `json:"endpoint"`
	Model       string        `json:"model"`
	AnalysisID  string        `json:"analysisId,omitempty"`
	CallType    string        `json:"callType"`
	PromptChars int           `json:"promptChars"`
	Streamed    bool          `json:"streamed"`
	Status      int           `json:"status"`
	Duration    time.Duration `json:"duration"`
	Response    string        `json:"response"`
	Error       string        `json:"error,omitempty"`
}

// CallTracker keeps the most recent provider calls for diagnostics.
type CallTracker struct {
	mu    sync.RWMutex
	calls []APICall
}

func NewCallTracker() *CallTracker {
	return &CallTracker{calls: make([]APICall, 0)}
}

// Calls returns a copy of the tracked calls, oldest first.
func (t *CallTracker) Calls() []APICall {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	calls := make([]APICall, len(t.calls))
	copy(calls, t.calls)
	return calls
}

func (t *CallTracker) Clear() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = make([]APICall, 0)
}

// Track records call, dropping the oldest entry beyond the retention limit.
func (t *CallTracker) Track(call APICall) {
	if t == nil {
		return
	}
	if call.ID == "" {
		call.ID = fmt.Sprintf("llm_%d", time.Now().UnixNano())
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}
	call.Response = preview(call.Response, 500)

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) >= maxTrackedCalls {
		t.calls = t.calls[1:]
	}
	t.calls = append(t.calls, call)
}
