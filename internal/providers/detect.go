package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// DetectorConfig holds PII entity-detection client configuration.
type DetectorConfig struct {
	Endpoint          string
	APIKey            string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// DetectorClient implements EntityDetector against an HTTP detection
// endpoint. The request and response shapes follow the Comprehend
// DetectPiiEntities convention.
type DetectorClient struct {
	config     DetectorConfig
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewDetectorClient creates a new detection client.
func NewDetectorClient(config DetectorConfig) *DetectorClient {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 5.0
	}

	return &DetectorClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: NewRateLimiter(config.RequestsPerSecond),
	}
}

// Name returns the detector identifier.
func (c *DetectorClient) Name() string {
	return "pii-detector"
}

// RequestsPerSecond returns the configured rate limit.
func (c *DetectorClient) RequestsPerSecond() float64 {
	return c.config.RequestsPerSecond
}

// DetectEntities returns the PII entities found in text, with byte offsets
// into the input.
func (c *DetectorClient) DetectEntities(ctx context.Context, text, languageCode string) ([]Entity, error) {
	if text == "" {
		return nil, nil
	}
	if languageCode == "" {
		languageCode = "en"
	}

	var entities []Entity
	err := retry.Do(func() error {
		body, err := json.Marshal(detectRequest{
			Text:         text,
			LanguageCode: languageCode,
		})
		if err != nil {
			return retry.Unrecoverable(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("detection request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("detection API error %d: %s", resp.StatusCode, truncateBody(respBody))
			if resp.StatusCode == http.StatusTooManyRequests {
				c.limiter.Record429()
				return err
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Unrecoverable(err)
			}
			return err
		}

		var parsed detectResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to parse response: %w", err))
		}
		entities = parsed.Entities
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(c.config.MaxRetries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return entities, nil
}

type detectRequest struct {
	Text         string `json:"Text"`
	LanguageCode string `json:"LanguageCode"`
}

type detectResponse struct {
	Entities []Entity `json:"Entities"`
}

var _ EntityDetector = (*DetectorClient)(nil)
