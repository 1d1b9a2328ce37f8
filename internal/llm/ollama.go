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
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	tracker *CallTracker
}

type OllamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Format  string                 `json:"format,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type OllamaGenerateResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	CreatedAt string `json:"created_at"`
	Error     string `json:"error,omitempty"`
}

type OllamaModelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewOllamaClient(baseURL, model string, client *http.Client, tracker *CallTracker) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  client,
		tracker: tracker,
	}
}

func (c *OllamaClient) Name() string  { return "ollama" }
func (c *OllamaClient) Model() string { return c.model }

func (c *OllamaClient) post(ctx context.Context, req Request, streaming bool) (*http.Response, error) {
	body := OllamaGenerateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: streaming,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}
	if req.JSON {
		body.Format = "json"
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, nil
}

func (c *OllamaClient) track(req Request, start time.Time, status int, response string, streamed bool, err error) {
	call := APICall{
		Provider:    c.Name(),
		Endpoint:    "/api/generate",
		Model:       c.model,
		AnalysisID:  req.AnalysisID,
		CallType:    req.CallType,
		PromptChars: len(req.Prompt),
		Streamed:    streamed,
		Status:      status,
		Duration:    time.Since(start),
		Response:    response,
	}
	if err != nil {
		call.Error = err.Error()
		var se *StatusError
		if errors.As(err, &se) {
			call.Status = se.StatusCode
		}
	}
	c.tracker.Track(call)
}

// Complete runs a non-streaming generation.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, req, false)
	if err != nil {
		c.track(req, start, 0, "", false, err)
		return "", err
	}
	defer resp.Body.Close()

	var out OllamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = apperrors.Protocol("failed to decode Ollama response", err)
		c.track(req, start, resp.StatusCode, "", false, err)
		return "", err
	}
	if out.Error != "" {
		err := &UpstreamError{Message: out.Error}
		c.track(req, start, resp.StatusCode, "", false, err)
		return "", err
	}
	c.track(req, start, resp.StatusCode, out.Response, false, nil)
	return out.Response, nil
}

// Stream runs a streaming generation. Ollama streams one JSON object per line.
func (c *OllamaClient) Stream(ctx context.Context, req Request, onDelta DeltaFunc) error {
	start := time.Now()
	resp, err := c.post(ctx, req, true)
	if err != nil {
		c.track(req, start, 0, "", true, err)
		return err
	}
	defer resp.Body.Close()

	var received strings.Builder
	err = func() error {
		dec := json.NewDecoder(resp.Body)
		for {
			var chunk OllamaGenerateResponse
			if err := dec.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return ErrStreamTruncated
				}
				if errors.Is(err, io.ErrUnexpectedEOF) {
					return fmt.Errorf("%w: %v", ErrStreamTruncated, err)
				}
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					return apperrors.Protocol("malformed stream chunk", err)
				}
				return err
			}
			if chunk.Error != "" {
				return &UpstreamError{Message: chunk.Error}
			}
			if chunk.Response != "" {
				received.WriteString(chunk.Response)
				if err := onDelta(chunk.Response); err != nil {
					return err
				}
			}
			if chunk.Done {
				return nil
			}
		}
	}()
	c.track(req, start, resp.StatusCode, received.String(), true, err)
	return err
}

// Health verifies the Ollama server answers.
func (c *OllamaClient) Health(ctx context.Context) error {
	_, err := c.AvailableModels(ctx)
	if err != nil {
		return fmt.Errorf("LLM service not available: %w", err)
	}
	return nil
}

// AvailableModels returns the models installed on the server.
func (c *OllamaClient) AvailableModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var modelsResp OllamaModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, err
	}

	var modelNames []string
	for _, model := range modelsResp.Models {
		modelNames = append(modelNames, model.Name)
	}
	return modelNames, nil
}
