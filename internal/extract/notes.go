package extract

import (
	"encoding/json"
	"fmt"

	"github.com/edbinder/binder/internal/providers"
)

// meetingNotesSchema validates the single-shot response. The key must be
// present even when the document has no meeting notes.
var meetingNotesSchema = mustMarshal(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"meeting_notes": map[string]any{"type": "string"},
	},
	"required": []string{"meeting_notes"},
})

// MeetingNotesRequest builds the single-shot chat request that copies the
// meeting-notes section verbatim out of the redacted OCR. No tools.
func MeetingNotesRequest(doc *providers.OCRDocument) *providers.ChatRequest {
	return &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: notesSystemPrompt},
			{Role: "user", Content: allOCRText(doc)},
		},
		Temperature: 0,
	}
}

// ParseMeetingNotes parses the meeting-notes response. A document without
// meeting notes yields an empty string, not an error.
func ParseMeetingNotes(content string) (string, error) {
	raw, err := providers.ParseStructuredJSON(content, meetingNotesSchema)
	if err != nil {
		return "", fmt.Errorf("meeting notes response: %w", err)
	}

	var out struct {
		MeetingNotes string `json:"meeting_notes"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("meeting notes response: %w", err)
	}
	return out.MeetingNotes, nil
}
