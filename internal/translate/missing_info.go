package translate

import (
	"encoding/json"
	"fmt"

	"github.com/edbinder/binder/internal/extract"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

const missingInfoSystem = `You are a professional translator specializing in American special-education documents. Translate each "description" in the JSON array in the user message from English into %s (%s). Keep the "category" values in English. Keep dates, numbers and redaction markers like [SSN] exactly as written.

Respond with a JSON array of the same length and order:
[{"description": "<translation>", "category": "<unchanged>"}]

Respond with JSON only.`

// MissingInfoRequest builds the plain chat request that translates the
// missing-info list into one target language. No tools.
func MissingInfoRequest(lang string, items []store.MissingInfoItem) (*providers.ChatRequest, error) {
	langCtx, err := LoadLanguageContext(lang)
	if err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal missing-info items: %w", err)
	}

	return &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(missingInfoSystem, langCtx.Language, langCtx.Code)},
			{Role: "user", Content: string(payload)},
		},
		Temperature: 0,
	}, nil
}

// ParseMissingInfo parses a translated missing-info response and coerces
// it against the source list: categories always come from the source, and
// a length mismatch falls back to source descriptions for the unmatched
// tail.
func ParseMissingInfo(content string, source []store.MissingInfoItem) ([]store.MissingInfoItem, error) {
	translated, err := extract.ParseMissingInfo(content)
	if err != nil {
		return nil, err
	}

	out := make([]store.MissingInfoItem, len(source))
	copy(out, source)
	for i := range out {
		if i < len(translated) && translated[i].Description != "" {
			out[i].Description = translated[i].Description
		}
	}
	return out, nil
}
