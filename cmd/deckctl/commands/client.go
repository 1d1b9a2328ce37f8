package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/deckflow/backend/internal/models"
	"github.com/deckflow/backend/internal/stream"
)

// apiClient is a thin wrapper over the deckflow HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx API response.
type apiError struct {
	Status  int
	Message string
	Kind    string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func newClient() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(serverURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &apiError{Status: resp.StatusCode, Message: msg, Kind: body.Kind}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// Upload sends a deck file and returns the stored document.
func (c *apiClient) Upload(ctx context.Context, filePath string) (*models.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/documents", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Document models.Document `json:"document"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out.Document, nil
}

// Submit starts an analysis and relays its event stream to onEvent until the
// stream ends. It returns the analysis ID announced by the server.
func (c *apiClient) Submit(ctx context.Context, documentRef, jobKey string, onEvent func(stream.Event)) (string, error) {
	body, err := json.Marshal(map[string]string{"documentRef": documentRef, "jobKey": jobKey})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/analyses", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	analysisID := resp.Header.Get("X-Analysis-ID")
	dec := stream.NewDecoder(resp.Body)
	for {
		ev, err := dec.NextEvent()
		if err == io.EOF {
			return analysisID, nil
		}
		if err != nil {
			return analysisID, err
		}
		onEvent(ev)
		if ev.Type == stream.EventError {
			return analysisID, fmt.Errorf("analysis failed: %s", ev.Body)
		}
	}
}

// Status fetches the latest analysis for a job key.
func (c *apiClient) Status(ctx context.Context, jobKey string) (*models.Analysis, error) {
	var out struct {
		Analysis models.Analysis `json:"analysis"`
	}
	if err := c.getJSON(ctx, "/api/v1/analyses/"+url.PathEscape(jobKey), &out); err != nil {
		return nil, err
	}
	return &out.Analysis, nil
}

// Steps fetches the step log of the latest analysis for a job key.
func (c *apiClient) Steps(ctx context.Context, jobKey string) ([]models.WorkflowStepLog, error) {
	var out struct {
		Steps []models.WorkflowStepLog `json:"steps"`
	}
	if err := c.getJSON(ctx, "/api/v1/analyses/"+url.PathEscape(jobKey)+"/steps", &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// Watch follows state changes of a job key until a terminal record arrives.
func (c *apiClient) Watch(ctx context.Context, jobKey string, onChange func(models.Analysis)) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/analyses/"+url.PathEscape(jobKey)+"/events", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := stream.NewDecoder(resp.Body)
	for {
		payload, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		var a models.Analysis
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return fmt.Errorf("decode state change: %w", err)
		}
		onChange(a)
		if a.Status.Terminal() {
			return nil
		}
	}
}

// Health returns the decoded health document and whether the server is healthy.
func (c *apiClient) Health(ctx context.Context) (map[string]interface{}, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("decode health response: %w", err)
	}
	return body, resp.StatusCode == http.StatusOK && body["status"] == "ok", nil
}
