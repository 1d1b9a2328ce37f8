package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/llm"
	"github.com/deckflow/backend/internal/models"
)

// SynthesisInput is everything the memo writer sees.
type SynthesisInput struct {
	Text       string
	QuickFacts *models.QuickFacts
}

// Synthesis is the fully assembled memo.
type Synthesis struct {
	Text     string
	Chunks   int
	Provider string
	Model    string
}

// SynthesisClient streams a memo. emit is called once per non-empty chunk, in order.
type SynthesisClient interface {
	Invoke(ctx context.Context, in SynthesisInput, timeout time.Duration, emit func(chunk string)) Result[Synthesis]
}

// LLMSynthesis writes the memo with a streaming provider.
type LLMSynthesis struct {
	provider    llm.Provider
	maxChars    int
	temperature float64
	maxTokens   int
}

func NewLLMSynthesis(provider llm.Provider, maxChars, maxTokens int, temperature float64) *LLMSynthesis {
	return &LLMSynthesis{
		provider:    provider,
		maxChars:    maxChars,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

func (s *LLMSynthesis) Invoke(ctx context.Context, in SynthesisInput, timeout time.Duration, emit func(string)) Result[Synthesis] {
	if strings.TrimSpace(in.Text) == "" {
		return Fatal[Synthesis](apperrors.Validation("no text to synthesize"))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		sb     strings.Builder
		chunks int
	)
	err := s.provider.Stream(ctx, llm.Request{
		System:      MemoSystemPrompt,
		Prompt:      BuildMemoPrompt(in, s.maxChars),
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
		CallType:    models.StepSynthesis,
		AnalysisID:  AnalysisIDFrom(ctx),
	}, func(delta string) error {
		if delta == "" {
			return nil
		}
		chunks++
		sb.WriteString(delta)
		if emit != nil {
			emit(delta)
		}
		return nil
	})
	if err != nil {
		r := classify[Synthesis]("synthesis model", err)
		// Delivered chunks cannot be taken back, so a retry would duplicate text.
		if r.Kind == KindRetriable && chunks > 0 {
			return Fatal[Synthesis](apperrors.ExternalService(
				fmt.Sprintf("synthesis interrupted after %d chunks", chunks), false, r.Err))
		}
		return r
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return Fatal[Synthesis](apperrors.ExternalService("synthesis model returned an empty memo", false, nil))
	}
	return Succeeded(Synthesis{
		Text:     text,
		Chunks:   chunks,
		Provider: s.provider.Name(),
		Model:    s.provider.Model(),
	})
}

// BuildMemoPrompt renders the user prompt, prefixing known facts when present.
func BuildMemoPrompt(in SynthesisInput, maxChars int) string {
	facts := ""
	if in.QuickFacts != nil {
		if b, err := json.MarshalIndent(in.QuickFacts, "", "  "); err == nil {
			facts = fmt.Sprintf(MemoFactsPreamble, string(b))
		}
	}
	return fmt.Sprintf(MemoPrompt, facts, clip(in.Text, maxChars))
}
