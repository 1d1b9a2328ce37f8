package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/llm"
)

// Document is the input to text extraction.
type Document struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Extraction is normalized OCR output.
type Extraction struct {
	Text       string `json:"-"`
	Pages      int    `json:"pages"`
	Characters int    `json:"characters"`
	Model      string `json:"model"`
}

// ExtractionClient turns a document into text.
type ExtractionClient interface {
	Invoke(ctx context.Context, doc Document, timeout time.Duration) Result[Extraction]
}

// OCRClient calls a Mistral-style /v1/ocr endpoint.
type OCRClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewOCRClient(baseURL, apiKey, model string, client *http.Client) *OCRClient {
	if client == nil {
		client = &http.Client{}
	}
	return &OCRClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
	}
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrResponse struct {
	Model string `json:"model"`
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

func (c *OCRClient) Invoke(ctx context.Context, doc Document, timeout time.Duration) Result[Extraction] {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(doc.Data)
	body := ocrRequest{Model: c.model}
	if strings.HasPrefix(contentType, "image/") {
		body.Document = ocrDocument{Type: "image_url", ImageURL: dataURL}
	} else {
		body.Document = ocrDocument{Type: "document_url", DocumentURL: dataURL}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Fatal[Extraction](apperrors.Internal("encode OCR request", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", bytes.NewReader(payload))
	if err != nil {
		return Fatal[Extraction](apperrors.Internal("build OCR request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return classify[Extraction]("ocr", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify[Extraction]("ocr", &llm.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		})
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(err) {
			return classify[Extraction]("ocr", err)
		}
		return Fatal[Extraction](apperrors.Protocol("malformed OCR response", err))
	}

	pages := make([]string, 0, len(out.Pages))
	for _, p := range out.Pages {
		pages = append(pages, p.Markdown)
	}
	text := NormalizeText(strings.Join(pages, "\n\n"))
	if text == "" {
		return Fatal[Extraction](apperrors.ExternalService("ocr returned no text", false, nil))
	}

	model := out.Model
	if model == "" {
		model = c.model
	}
	return Succeeded(Extraction{
		Text:       text,
		Pages:      len(out.Pages),
		Characters: len(text),
		Model:      model,
	})
}

var (
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// NormalizeText trims trailing whitespace per line and collapses blank-line runs.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = trailingSpace.ReplaceAllString(s, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
