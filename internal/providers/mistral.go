package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	defaultMistralBaseURL = "https://api.mistral.ai/v1"
	defaultMistralModel   = "mistral-ocr-latest"

	// signedURLExpiryHours is how long the upload's download URL stays
	// valid. OCR of a single document completes well within this window.
	signedURLExpiryHours = 24
)

// MistralOCRConfig holds Mistral OCR client configuration.
type MistralOCRConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// MistralOCRClient implements OCRProvider using the Mistral document OCR
// API. Processing a document takes three calls: upload the file, fetch a
// signed download URL for it, then submit that URL to the OCR endpoint.
type MistralOCRClient struct {
	config     MistralOCRConfig
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewMistralOCRClient creates a new Mistral OCR client.
func NewMistralOCRClient(config MistralOCRConfig) *MistralOCRClient {
	if config.BaseURL == "" {
		config.BaseURL = defaultMistralBaseURL
	}
	if config.Model == "" {
		config.Model = defaultMistralModel
	}
	if config.Timeout == 0 {
		config.Timeout = 300 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 1.0
	}

	return &MistralOCRClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: NewRateLimiter(config.RequestsPerSecond),
	}
}

// Name returns the provider identifier.
func (c *MistralOCRClient) Name() string {
	return "mistral"
}

// RequestsPerSecond returns the configured rate limit.
func (c *MistralOCRClient) RequestsPerSecond() float64 {
	return c.config.RequestsPerSecond
}

// ProcessDocument runs the full upload, sign, OCR sequence and returns the
// page-indexed markdown.
func (c *MistralOCRClient) ProcessDocument(ctx context.Context, pdf []byte, filename string) (*OCRDocument, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	fileID, err := c.uploadFile(ctx, pdf, filename)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	signedURL, err := c.signedURL(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get signed url: %w", err)
	}

	doc, err := c.runOCR(ctx, signedURL)
	if err != nil {
		return nil, fmt.Errorf("ocr failed: %w", err)
	}
	return doc, nil
}

// uploadFile uploads the PDF with purpose "ocr" and returns the file ID.
func (c *MistralOCRClient) uploadFile(ctx context.Context, pdf []byte, filename string) (string, error) {
	var fileID string
	err := c.withRetry(ctx, func() error {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("purpose", "ocr"); err != nil {
			return retry.Unrecoverable(err)
		}
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if _, err := part.Write(pdf); err != nil {
			return retry.Unrecoverable(err)
		}
		if err := w.Close(); err != nil {
			return retry.Unrecoverable(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/files", &buf)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		req.Header.Set("Content-Type", w.FormDataContentType())

		var resp mistralFileResponse
		if err := c.doJSON(req, &resp); err != nil {
			return err
		}
		if resp.ID == "" {
			return fmt.Errorf("upload returned no file id")
		}
		fileID = resp.ID
		return nil
	})
	return fileID, err
}

// signedURL fetches a temporary download URL for an uploaded file.
func (c *MistralOCRClient) signedURL(ctx context.Context, fileID string) (string, error) {
	var signed string
	err := c.withRetry(ctx, func() error {
		url := fmt.Sprintf("%s/files/%s/url?expiry=%d", c.config.BaseURL, fileID, signedURLExpiryHours)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		req.Header.Set("Accept", "application/json")

		var resp mistralSignedURLResponse
		if err := c.doJSON(req, &resp); err != nil {
			return err
		}
		if resp.URL == "" {
			return fmt.Errorf("no signed url in response")
		}
		signed = resp.URL
		return nil
	})
	return signed, err
}

// runOCR submits the signed URL to the OCR endpoint.
func (c *MistralOCRClient) runOCR(ctx context.Context, documentURL string) (*OCRDocument, error) {
	var doc *OCRDocument
	err := c.withRetry(ctx, func() error {
		apiReq := mistralOCRRequest{
			Model: c.config.Model,
			Document: mistralDocument{
				Type:        "document_url",
				DocumentURL: documentURL,
			},
		}
		body, err := json.Marshal(apiReq)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/ocr", bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		req.Header.Set("Content-Type", "application/json")

		var resp mistralOCRResponse
		if err := c.doJSON(req, &resp); err != nil {
			return err
		}

		result := &OCRDocument{
			Model:          resp.Model,
			PagesProcessed: resp.UsageInfo.PagesProcessed,
		}
		for _, p := range resp.Pages {
			result.Pages = append(result.Pages, OCRPage{
				Index:    p.Index,
				Markdown: p.Markdown,
			})
		}
		doc = result
		return nil
	})
	return doc, err
}

// doJSON performs a request after taking a rate-limit token and decodes the
// JSON response. Non-2xx responses become errors, unrecoverable for 4xx
// other than 429.
func (c *MistralOCRClient) doJSON(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return retry.Unrecoverable(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, truncateBody(body))
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.Record429()
			return err
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Unrecoverable(err)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

func (c *MistralOCRClient) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(c.config.MaxRetries)),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(time.Second),
		retry.LastErrorOnly(true),
	)
}

// Wire types for the Mistral files and OCR APIs.

type mistralFileResponse struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

type mistralSignedURLResponse struct {
	URL string `json:"url"`
}

type mistralOCRRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type mistralOCRResponse struct {
	Model string `json:"model"`
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info"`
}

var _ OCRProvider = (*MistralOCRClient)(nil)
