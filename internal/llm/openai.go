package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/stream"
)

// OpenAIClient speaks the OpenAI-compatible chat completions API (OpenAI,
// OpenRouter, vLLM, LiteLLM and similar gateways).
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	tracker *CallTracker
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewOpenAIClient(baseURL, apiKey, model string, client *http.Client, tracker *CallTracker) *OpenAIClient {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		tracker: tracker,
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) newRequest(ctx context.Context, req Request, streaming bool) (*http.Request, error) {
	body := chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      streaming,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (c *OpenAIClient) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}
	return resp, nil
}

// Complete sends a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	call := APICall{Provider: c.Name(), Endpoint: "/chat/completions", Model: c.model,
		AnalysisID: req.AnalysisID, CallType: req.CallType, PromptChars: len(req.Prompt)}

	content, status, err := c.complete(ctx, req)
	call.Status, call.Duration, call.Response = status, time.Since(start), content
	if err != nil {
		call.Error = err.Error()
	}
	c.tracker.Track(call)

	logger.WithLLM(c.Name(), c.model, req.CallType).WithField("duration_ms", call.Duration.Milliseconds()).
		Debug("Chat completion finished")
	return content, err
}

func (c *OpenAIClient) complete(ctx context.Context, req Request) (string, int, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return "", se.StatusCode, err
		}
		return "", 0, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", resp.StatusCode, apperrors.Protocol("malformed chat completion body", err)
	}
	if len(out.Choices) == 0 {
		return "", resp.StatusCode, apperrors.Protocol("chat completion has no choices", nil)
	}
	return out.Choices[0].Message.Content, resp.StatusCode, nil
}

// Stream sends a streaming chat completion and forwards content deltas.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onDelta DeltaFunc) error {
	start := time.Now()
	call := APICall{Provider: c.Name(), Endpoint: "/chat/completions", Model: c.model,
		AnalysisID: req.AnalysisID, CallType: req.CallType, PromptChars: len(req.Prompt), Streamed: true}

	var received strings.Builder
	status, err := c.stream(ctx, req, func(delta string) error {
		received.WriteString(delta)
		return onDelta(delta)
	})
	call.Status, call.Duration, call.Response = status, time.Since(start), received.String()
	if err != nil {
		call.Error = err.Error()
	}
	c.tracker.Track(call)
	return err
}

func (c *OpenAIClient) stream(ctx context.Context, req Request, onDelta DeltaFunc) (int, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode, err
		}
		return 0, err
	}
	defer resp.Body.Close()

	dec := stream.NewDecoder(resp.Body)
	for {
		payload, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return resp.StatusCode, ErrStreamTruncated
		}
		if errors.Is(err, stream.ErrIncompleteLine) {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrStreamTruncated, err)
		}
		if err != nil {
			return resp.StatusCode, err
		}
		if payload == "[DONE]" {
			return resp.StatusCode, nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return resp.StatusCode, apperrors.Protocol("malformed stream chunk", err)
		}
		if chunk.Error != nil {
			return resp.StatusCode, &UpstreamError{Message: chunk.Error.Message}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := onDelta(choice.Delta.Content); err != nil {
					return resp.StatusCode, err
				}
			}
		}
	}
}

// Health lists models, which every compatible gateway serves.
func (c *OpenAIClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return fmt.Errorf("LLM service not available: %w", err)
	}
	resp.Body.Close()
	return nil
}
