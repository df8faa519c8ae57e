// Package translate produces per-language renditions of extracted IEP
// content. Each (payload kind, language) pair runs as its own agent with
// terminology tools; the missing-info list is translated with a plain
// call. Validators coerce the model output against the English source so
// structure, canonical titles, page numbers and abbreviation codes always
// survive translation.
package translate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/edbinder/binder/internal/agent"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// maxIterations bounds a translator agent's tool-call loop.
const maxIterations = 10

// Kind selects the payload being translated.
type Kind string

const (
	KindParsed       Kind = "parsed"
	KindMeetingNotes Kind = "meeting_notes"
)

// ParsedPayload is the structured-extraction slice that gets translated as
// one unit.
type ParsedPayload struct {
	Summary       string               `json:"summary"`
	Sections      []store.Section      `json:"sections"`
	DocumentIndex string               `json:"document_index"`
	Abbreviations []store.Abbreviation `json:"abbreviations"`
}

//go:embed translator_parsed.tmpl
var parsedSystemTmpl string

//go:embed translator_notes.tmpl
var notesSystemTmpl string

var (
	parsedTemplate = template.Must(template.New("parsed").Parse(parsedSystemTmpl))
	notesTemplate  = template.Must(template.New("notes").Parse(notesSystemTmpl))
)

type promptData struct {
	Language string
	Code     string
}

func renderPrompt(t *template.Template, raw string, ctx *LanguageContext) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, promptData{Language: ctx.Language, Code: ctx.Code}); err != nil {
		return raw
	}
	return buf.String()
}

// NewParsedAgent builds a translator agent for the parsed payload in one
// target language.
func NewParsedAgent(id, lang string, source *ParsedPayload) (*agent.Agent, error) {
	langCtx, err := LoadLanguageContext(lang)
	if err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(source, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parsed payload: %w", err)
	}

	tools := newTools(KindParsed, langCtx, source, "")
	return agent.New(agent.Config{
		ID:            id,
		Tools:         tools,
		MaxIterations: maxIterations,
		Temperature:   0,
		InitialMessages: []providers.Message{
			{Role: "system", Content: renderPrompt(parsedTemplate, parsedSystemTmpl, langCtx)},
			{Role: "user", Content: string(payload)},
		},
	}), nil
}

// NewMeetingNotesAgent builds a translator agent for the meeting notes in
// one target language.
func NewMeetingNotesAgent(id, lang, notes string) (*agent.Agent, error) {
	langCtx, err := LoadLanguageContext(lang)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"meeting_notes": notes})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meeting notes: %w", err)
	}

	tools := newTools(KindMeetingNotes, langCtx, nil, notes)
	return agent.New(agent.Config{
		ID:            id,
		Tools:         tools,
		MaxIterations: maxIterations,
		Temperature:   0,
		InitialMessages: []providers.Message{
			{Role: "system", Content: renderPrompt(notesTemplate, notesSystemTmpl, langCtx)},
			{Role: "user", Content: string(payload)},
		},
	}), nil
}

// FinalizeParsed converts a completed parsed-translation agent's result.
func FinalizeParsed(v any) (*ParsedPayload, error) {
	payload, ok := v.(*ParsedPayload)
	if !ok || payload == nil {
		return nil, fmt.Errorf("translator produced no parsed result")
	}
	return payload, nil
}

// FinalizeMeetingNotes converts a completed notes-translation agent's
// result.
func FinalizeMeetingNotes(v any) (string, error) {
	notes, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("translator produced no meeting-notes result")
	}
	return notes, nil
}
