package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// wrapperKeys are object keys models wrap the missing-info array under
// instead of returning it bare.
var wrapperKeys = []string{"items", "missing_items", "weak_items", "results"}

// missingInfoSchema accepts a bare item array or an object wrapping one
// under any of the tolerated keys. Items are type-checked only; empty
// descriptions are handled after parsing.
var missingInfoSchema = func() json.RawMessage {
	list := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{"type": "string"},
				"category":    map[string]any{"type": "string"},
			},
		},
	}
	wrapped := map[string]any{}
	for _, key := range wrapperKeys {
		wrapped[key] = list
	}
	return mustMarshal(map[string]any{
		"anyOf": []any{
			list,
			map[string]any{"type": "object", "properties": wrapped},
		},
	})
}()

// MissingInfoRequest builds the single-shot chat request for the
// missing-info review. No tools.
func MissingInfoRequest(doc *providers.OCRDocument) *providers.ChatRequest {
	return &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: reviewSystemPrompt},
			{Role: "user", Content: allOCRText(doc)},
		},
		Temperature: 0,
	}
}

// ParseMissingInfo parses the review response, tolerating a bare array or
// an object wrapping it under a common key. Items with empty descriptions
// are dropped; an empty list is a valid result.
func ParseMissingInfo(content string) ([]store.MissingInfoItem, error) {
	raw, err := providers.ParseStructuredJSON(content, missingInfoSchema)
	if err != nil {
		return nil, fmt.Errorf("missing-info response: %w", err)
	}

	var items []store.MissingInfoItem
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("missing-info response is neither an array nor an object")
		}
		found := false
		for _, key := range wrapperKeys {
			inner, ok := wrapped[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, fmt.Errorf("missing-info response key %q: %w", key, err)
			}
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("missing-info response has no recognized list key")
		}
	}

	out := make([]store.MissingInfoItem, 0, len(items))
	for _, item := range items {
		item.Description = strings.TrimSpace(item.Description)
		item.Category = strings.TrimSpace(item.Category)
		if item.Description == "" {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
