package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParseStructuredJSON extracts a JSON document from LLM output and, when a
// schema is supplied, validates it. Models wrap JSON in code fences or prose
// often enough that plain unmarshalling is not sufficient.
func ParseStructuredJSON(content string, schema json.RawMessage) (json.RawMessage, error) {
	candidate := strings.TrimSpace(StripCodeFences(content))
	if candidate == "" {
		return nil, fmt.Errorf("empty response")
	}

	if !json.Valid([]byte(candidate)) {
		extracted, ok := extractJSONCandidate(candidate)
		if !ok {
			return nil, fmt.Errorf("no JSON document found in response")
		}
		candidate = extracted
	}

	raw := json.RawMessage(candidate)
	if len(schema) > 0 {
		if err := ValidateJSON(raw, schema); err != nil {
			return raw, err
		}
	}
	return raw, nil
}

// StripCodeFences removes a surrounding markdown code fence if present.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}

	// Drop the opening fence line (possibly "```json") and a closing fence.
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.Join(lines, "\n")
}

// extractJSONCandidate finds the first balanced JSON object or array in s.
func extractJSONCandidate(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == open:
			depth++
		case !inString && ch == close:
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// ValidateJSON validates a document against a JSON Schema.
func ValidateJSON(doc, schema json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("invalid JSON document: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
