package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/llm"
	"github.com/deckflow/backend/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// QuickFactsClient pulls a fixed set of structured facts from deck text.
type QuickFactsClient interface {
	Invoke(ctx context.Context, text string, timeout time.Duration) Result[models.QuickFacts]
}

// LLMQuickFacts asks a fast model for JSON and validates it against a schema.
type LLMQuickFacts struct {
	provider    llm.Provider
	schema      *jsonschema.Schema
	maxChars    int
	temperature float64
	maxTokens   int
}

// QuickFactsSchema describes the expected model output.
func QuickFactsSchema() map[string]any {
	str := map[string]any{"type": "string", "maxLength": 500}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"company_name": map[string]any{"type": "string", "minLength": 1, "maxLength": 200},
			"one_liner":    str,
			"sector":       str,
			"stage":        str,
			"location":     str,
			"funding_ask":  str,
			"founders": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"maxItems": 20,
			},
		},
		"required": []string{"company_name"},
	}
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("quick_facts.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("quick_facts.json")
}

func NewLLMQuickFacts(provider llm.Provider, maxChars, maxTokens int, temperature float64) (*LLMQuickFacts, error) {
	schema, err := compileSchema(QuickFactsSchema())
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = 24000
	}
	return &LLMQuickFacts{
		provider:    provider,
		schema:      schema,
		maxChars:    maxChars,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (q *LLMQuickFacts) Invoke(ctx context.Context, text string, timeout time.Duration) Result[models.QuickFacts] {
	if strings.TrimSpace(text) == "" {
		return Fatal[models.QuickFacts](apperrors.Validation("no text to extract facts from"))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := q.provider.Complete(ctx, llm.Request{
		System:      QuickFactsSystemPrompt,
		Prompt:      fmt.Sprintf(QuickFactsPrompt, clip(text, q.maxChars)),
		JSON:        true,
		Temperature: q.temperature,
		MaxTokens:   q.maxTokens,
		CallType:    models.StepQuickFacts,
		AnalysisID:  AnalysisIDFrom(ctx),
	})
	if err != nil {
		return classify[models.QuickFacts]("quick facts model", err)
	}

	facts, err := q.parse(raw)
	if err != nil {
		return Fatal[models.QuickFacts](err)
	}
	return Succeeded(*facts)
}

func (q *LLMQuickFacts) parse(raw string) (*models.QuickFacts, error) {
	body := []byte(stripCodeFence(raw))

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, apperrors.Protocol("quick facts response is not JSON", err)
	}
	if err := q.schema.Validate(v); err != nil {
		return nil, apperrors.Protocol("quick facts response does not match schema", err)
	}

	var facts models.QuickFacts
	if err := json.Unmarshal(body, &facts); err != nil {
		return nil, apperrors.Protocol("quick facts response has unexpected types", err)
	}
	facts.CompanyName = strings.TrimSpace(facts.CompanyName)
	if facts.Founders == nil {
		facts.Founders = []string{}
	}
	return &facts, nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// clip truncates s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
