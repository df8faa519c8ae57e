// Package extract turns redacted OCR text into the English structured
// content of an IEP record: the parsed result (summary, sections, document
// index, abbreviations), the verbatim meeting notes, and the missing-info
// review. The structured extractor is an agent with read-only OCR tools;
// the other two are single LLM calls.
package extract

import (
	"fmt"
	"strings"

	"github.com/edbinder/binder/internal/agent"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// maxIterations bounds the extractor agent's tool-call loop.
const maxIterations = 150

// Result is the English structured-extraction output.
type Result struct {
	Summary       string               `json:"summary"`
	Sections      []store.Section      `json:"sections"`
	DocumentIndex string               `json:"document_index"`
	Abbreviations []store.Abbreviation `json:"abbreviations"`
}

// NewAgent builds the structured-extractor agent over a redacted OCR
// document. The caller drives it through Next/HandleResult.
func NewAgent(id string, doc *providers.OCRDocument) *agent.Agent {
	return agent.New(agent.Config{
		ID:            id,
		Tools:         NewTools(doc),
		MaxIterations: maxIterations,
		Temperature:   0,
		InitialMessages: []providers.Message{
			{Role: "system", Content: SystemPrompt()},
			{Role: "user", Content: UserPrompt(UserPromptData{TotalPages: len(doc.Pages)})},
		},
	})
}

// FinalizeResult converts a completed agent's tool result into a Result.
func FinalizeResult(v any) (*Result, error) {
	result, ok := v.(*Result)
	if !ok || result == nil {
		return nil, fmt.Errorf("extractor produced no result")
	}
	return result, nil
}

// Normalize enforces the section contract on a raw extraction: exactly one
// entry per required title, in canonical order, with placeholders for
// sections the document does not contain. Unknown titles and empty
// abbreviation entries are dropped.
func Normalize(r *Result) *Result {
	byTitle := make(map[string]store.Section, len(r.Sections))
	for _, s := range r.Sections {
		title, ok := canonicalTitle(s.Title)
		if !ok {
			continue
		}
		if _, seen := byTitle[title]; seen {
			continue
		}
		s.Title = title
		if strings.TrimSpace(s.Content) == "" {
			s.Content = SectionPlaceholder
		}
		if s.PageNumbers == nil {
			s.PageNumbers = []int{}
		}
		byTitle[title] = s
	}

	sections := make([]store.Section, 0, len(SectionTitles))
	for _, title := range SectionTitles {
		s, ok := byTitle[title]
		if !ok {
			s = store.Section{Title: title, Content: SectionPlaceholder, PageNumbers: []int{}}
		}
		sections = append(sections, s)
	}

	abbreviations := make([]store.Abbreviation, 0, len(r.Abbreviations))
	for _, a := range r.Abbreviations {
		a.Abbreviation = strings.TrimSpace(a.Abbreviation)
		a.FullForm = strings.TrimSpace(a.FullForm)
		if a.Abbreviation == "" || a.FullForm == "" {
			continue
		}
		abbreviations = append(abbreviations, a)
	}

	return &Result{
		Summary:       strings.TrimSpace(r.Summary),
		Sections:      sections,
		DocumentIndex: strings.TrimSpace(r.DocumentIndex),
		Abbreviations: abbreviations,
	}
}
