package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// TranslatorTools implements agent.Tools for one (payload kind, language)
// translation.
type TranslatorTools struct {
	kind    Kind
	langCtx *LanguageContext

	sourceParsed *ParsedPayload
	sourceNotes  string

	result   any
	complete bool
}

func newTools(kind Kind, langCtx *LanguageContext, sourceParsed *ParsedPayload, sourceNotes string) *TranslatorTools {
	return &TranslatorTools{
		kind:         kind,
		langCtx:      langCtx,
		sourceParsed: sourceParsed,
		sourceNotes:  sourceNotes,
	}
}

// GetTools returns the tool definitions for the LLM.
func (t *TranslatorTools) GetTools() []providers.Tool {
	return []providers.Tool{
		languageContextTool(),
		terminologyTool(),
		t.submitTranslationTool(),
	}
}

// ExecuteTool runs a tool and returns the result as JSON.
func (t *TranslatorTools) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "get_language_context_for_translation":
		return t.getLanguageContext()
	case "get_iep_terminology":
		term, _ := args["term"].(string)
		return t.getTerminology(term)
	case "submit_translation":
		return t.submitTranslation(args)
	default:
		return jsonError(fmt.Sprintf("Unknown tool: %s", name)), nil
	}
}

// IsComplete returns true once submit_translation has been accepted.
func (t *TranslatorTools) IsComplete() bool {
	return t.complete
}

// GetResult returns *ParsedPayload for the parsed kind and string for the
// meeting-notes kind.
func (t *TranslatorTools) GetResult() any {
	return t.result
}

func (t *TranslatorTools) getLanguageContext() (string, error) {
	return jsonSuccess(map[string]any{
		"language": t.langCtx.Language,
		"code":     t.langCtx.Code,
		"style":    t.langCtx.Style,
		"glossary": t.langCtx.Glossary,
	}), nil
}

func (t *TranslatorTools) getTerminology(term string) (string, error) {
	if strings.TrimSpace(term) == "" {
		return jsonError("term is required"), nil
	}
	translation, ok := t.langCtx.Lookup(term)
	if !ok {
		return jsonSuccess(map[string]any{
			"term":  term,
			"found": false,
			"note":  "No glossary entry; translate in plain register per the style guide.",
		}), nil
	}
	return jsonSuccess(map[string]any{
		"term":        term,
		"found":       true,
		"translation": translation,
	}), nil
}

// submitTranslation accepts the translated payload. Coercion never rejects
// a submission: fields that fail to coerce fall back to the English
// source, so a completed agent always yields usable content.
func (t *TranslatorTools) submitTranslation(args map[string]any) (string, error) {
	switch t.kind {
	case KindParsed:
		t.result = t.coerceParsed(args)
	case KindMeetingNotes:
		notes, _ := args["meeting_notes"].(string)
		if strings.TrimSpace(notes) == "" {
			notes = t.sourceNotes
		}
		t.result = notes
	default:
		return jsonError(fmt.Sprintf("unknown payload kind %q", t.kind)), nil
	}

	t.complete = true
	return jsonSuccess(map[string]any{"message": "Translation complete"}), nil
}

// coerceParsed validates the translated parsed payload against the English
// source. Canonical titles, page numbers and abbreviation codes are always
// taken from the source; translated values that do not parse fall back to
// the source values.
func (t *TranslatorTools) coerceParsed(args map[string]any) *ParsedPayload {
	source := t.sourceParsed
	out := &ParsedPayload{
		Summary:       source.Summary,
		DocumentIndex: source.DocumentIndex,
	}

	if s, ok := args["summary"].(string); ok && strings.TrimSpace(s) != "" {
		out.Summary = s
	}
	if s, ok := args["document_index"].(string); ok && strings.TrimSpace(s) != "" {
		out.DocumentIndex = s
	}

	out.Sections = coerceSections(args["sections"], source.Sections)
	out.Abbreviations = coerceAbbreviations(args["abbreviations"], source.Abbreviations)
	return out
}

// coerceSections returns exactly the source section list with translated
// content substituted where the submission provides it. Matching is by
// canonical title first, then by position.
func coerceSections(raw any, source []store.Section) []store.Section {
	out := make([]store.Section, len(source))
	copy(out, source)

	var translated []store.Section
	if !reparse(raw, &translated) {
		return out
	}

	byTitle := make(map[string]string, len(translated))
	for _, s := range translated {
		title := strings.ToLower(strings.TrimSpace(s.Title))
		if _, seen := byTitle[title]; !seen && strings.TrimSpace(s.Content) != "" {
			byTitle[title] = s.Content
		}
	}

	for i := range out {
		if content, ok := byTitle[strings.ToLower(out[i].Title)]; ok {
			out[i].Content = content
		} else if i < len(translated) && strings.TrimSpace(translated[i].Content) != "" {
			out[i].Content = translated[i].Content
		}
	}
	return out
}

// coerceAbbreviations keeps the source codes and substitutes translated
// full forms, matching by code first, then by position.
func coerceAbbreviations(raw any, source []store.Abbreviation) []store.Abbreviation {
	out := make([]store.Abbreviation, len(source))
	copy(out, source)

	var translated []store.Abbreviation
	if !reparse(raw, &translated) {
		return out
	}

	byCode := make(map[string]string, len(translated))
	for _, a := range translated {
		code := strings.ToLower(strings.TrimSpace(a.Abbreviation))
		if _, seen := byCode[code]; !seen && strings.TrimSpace(a.FullForm) != "" {
			byCode[code] = a.FullForm
		}
	}

	for i := range out {
		if full, ok := byCode[strings.ToLower(out[i].Abbreviation)]; ok {
			out[i].FullForm = full
		} else if i < len(translated) && strings.TrimSpace(translated[i].FullForm) != "" {
			out[i].FullForm = translated[i].FullForm
		}
	}
	return out
}

// reparse round-trips a tool argument through JSON into a typed value.
func reparse(raw any, into any) bool {
	if raw == nil {
		return false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, into) == nil
}

func languageContextTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_language_context_for_translation",
			Description: "Return the style guide and English-to-target glossary for the target language. Call this before translating.",
			Parameters: mustMarshal(map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}),
		},
	}
}

func terminologyTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_iep_terminology",
			Description: "Look up the preferred translation of one IEP term.",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"term": map[string]any{
						"type":        "string",
						"description": "English term, e.g. 'Least Restrictive Environment'",
					},
				},
				"required": []string{"term"},
			}),
		},
	}
}

func (t *TranslatorTools) submitTranslationTool() providers.Tool {
	var params map[string]any
	switch t.kind {
	case KindMeetingNotes:
		params = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"meeting_notes": map[string]any{
					"type":        "string",
					"description": "The translated meeting notes, verbatim tone preserved",
				},
			},
			"required": []string{"meeting_notes"},
		}
	default:
		params = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "Translated summary",
				},
				"sections": map[string]any{
					"type":        "array",
					"description": "Same sections in the same order; translate content only, keep title and page_numbers unchanged",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"title":        map[string]any{"type": "string"},
							"content":      map[string]any{"type": "string"},
							"page_numbers": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
						},
						"required": []string{"title", "content"},
					},
				},
				"document_index": map[string]any{
					"type":        "string",
					"description": "Translated document index; keep page numbers unchanged",
				},
				"abbreviations": map[string]any{
					"type":        "array",
					"description": "Same entries in the same order; translate full_form only, keep abbreviation unchanged",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"abbreviation": map[string]any{"type": "string"},
							"full_form":    map[string]any{"type": "string"},
						},
						"required": []string{"abbreviation", "full_form"},
					},
				},
			},
			"required": []string{"summary", "sections", "document_index", "abbreviations"},
		}
	}

	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "submit_translation",
			Description: "Submit the completed translation and finish the task. Call this exactly once.",
			Parameters:  mustMarshal(params),
		},
	}
}

// Helper functions for JSON tool responses
func jsonSuccess(data map[string]any) string {
	data["success"] = true
	b, _ := json.MarshalIndent(data, "", "  ")
	return string(b)
}

func jsonError(msg string) string {
	b, _ := json.Marshal(map[string]any{"error": msg})
	return string(b)
}

// mustMarshal marshals a value to JSON, panicking on error.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
