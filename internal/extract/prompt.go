package extract

import (
	"bytes"
	_ "embed"
	"text/template"
)

//go:embed extractor_system.tmpl
var extractorSystemPrompt string

//go:embed extractor_user.tmpl
var extractorUserTmpl string

//go:embed notes_system.tmpl
var notesSystemPrompt string

//go:embed review_system.tmpl
var reviewSystemPrompt string

var extractorUserTemplate = template.Must(template.New("extractor_user").Parse(extractorUserTmpl))

// SystemPrompt returns the system prompt for the structured extractor.
func SystemPrompt() string {
	return extractorSystemPrompt
}

// UserPromptData feeds the extractor user prompt template.
type UserPromptData struct {
	TotalPages int
}

// UserPrompt renders the extractor user prompt.
func UserPrompt(data UserPromptData) string {
	var buf bytes.Buffer
	if err := extractorUserTemplate.Execute(&buf, data); err != nil {
		return extractorUserTmpl
	}
	return buf.String()
}
