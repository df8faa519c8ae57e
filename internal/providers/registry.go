package providers

import (
	"fmt"
	"time"

	"github.com/edbinder/binder/internal/config"
)

// Registry holds the constructed provider clients.
type Registry struct {
	LLM      LLMClient
	OCR      OCRProvider
	Detector EntityDetector
}

// NewRegistry builds provider clients from configuration, resolving
// credentials through the secret cache.
func NewRegistry(cfg *config.Config, secrets *config.Secrets) (*Registry, error) {
	llmKey, err := secrets.Credential(cfg.LLM.APIKey, cfg.LLM.APIKeyParameter)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve llm credential: %w", err)
	}
	ocrKey, err := secrets.Credential(cfg.OCR.APIKey, cfg.OCR.APIKeyParameter)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ocr credential: %w", err)
	}

	llm := NewOpenAIClient(OpenAIConfig{
		APIKey:            llmKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Timeout:           time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.LLM.RateLimit,
	})

	ocr := NewMistralOCRClient(MistralOCRConfig{
		APIKey:            ocrKey,
		BaseURL:           cfg.OCR.BaseURL,
		Model:             cfg.OCR.Model,
		Timeout:           time.Duration(cfg.OCR.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.OCR.RateLimit,
	})

	if cfg.PII.Endpoint == "" {
		return nil, fmt.Errorf("pii detection endpoint not configured")
	}
	detector := NewDetectorClient(DetectorConfig{
		Endpoint:          cfg.PII.Endpoint,
		APIKey:            config.ResolveEnvVars(cfg.PII.APIKey),
		RequestsPerSecond: cfg.PII.RateLimit,
	})

	return &Registry{
		LLM:      llm,
		OCR:      ocr,
		Detector: detector,
	}, nil
}
