// Package llm contains HTTP clients for the language-model providers the
// pipeline talks to.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deckflow/backend/internal/config"
)

// Request is one prompt sent to a provider.
type Request struct {
	System      string
	Prompt      string
	JSON        bool // ask the provider for a JSON object
	Temperature float64
	MaxTokens   int
	CallType    string // quick_facts | synthesis | health
	AnalysisID  string
}

// DeltaFunc receives streamed text in arrival order. Returning an error aborts the stream.
type DeltaFunc func(delta string) error

// Provider is a language-model endpoint.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) error
	Health(ctx context.Context) error
}

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// UpstreamError is an error event delivered inside an otherwise healthy stream.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "provider stream error: " + e.Message
}

// ErrStreamTruncated means the stream closed before its completion marker.
var ErrStreamTruncated = errors.New("provider stream ended before completion")

// New builds the provider described by cfg.
func New(cfg config.LLMConfig, tracker *CallTracker) (Provider, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, client, tracker), nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, client, tracker), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
