// Package store is the persistence service: the single entrypoint for
// document record reads/writes, user preferences and content blob
// promotion. All other components exchange references or small payloads.
package store

import (
	"encoding/json"
	"fmt"
)

// Document statuses.
const (
	StatusProcessing             = "PROCESSING"
	StatusProcessingTranslations = "PROCESSING_TRANSLATIONS"
	StatusProcessed              = "PROCESSED"
	StatusFailed                 = "FAILED"
)

// OCR artifact kinds accepted by save_ocr_data / get_ocr_data.
const (
	OCRDataRaw      = "ocr_result"
	OCRDataRedacted = "redacted_ocr_result"
)

// ContentRef points at the content blob for a record.
type ContentRef struct {
	S3Key       string `json:"s3Key"`
	Bucket      string `json:"bucket"`
	Size        int64  `json:"size"`
	LastUpdated string `json:"lastUpdated"`
}

// Section is one titled chunk of the parsed document.
type Section struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	PageNumbers []int  `json:"page_numbers"`
}

// Abbreviation is one entry of the abbreviations glossary.
type Abbreviation struct {
	Abbreviation string `json:"abbreviation"`
	FullForm     string `json:"full_form"`
}

// MissingInfoItem is one compliance/quality gap reported by review.
type MissingInfoItem struct {
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// Content is the per-language content map stored in the blob.
// Keys of the inner maps are language codes ("en", "es", ...).
type Content struct {
	Summaries     map[string]string         `json:"summaries,omitempty"`
	Sections      map[string][]Section      `json:"sections,omitempty"`
	DocumentIndex map[string]string         `json:"document_index,omitempty"`
	Abbreviations map[string][]Abbreviation `json:"abbreviations,omitempty"`
	MeetingNotes  map[string]string         `json:"meetingNotes,omitempty"`
}

// IsEmpty reports whether no content field is populated.
func (c *Content) IsEmpty() bool {
	return len(c.Summaries) == 0 && len(c.Sections) == 0 &&
		len(c.DocumentIndex) == 0 && len(c.Abbreviations) == 0 &&
		len(c.MeetingNotes) == 0
}

// Record is an IEP document record. Content lives either in the blob
// (ContentRef set) or, for legacy records, in the inline maps. Never both
// after a successful write.
type Record struct {
	IEPID   string `json:"iepId"`
	ChildID string `json:"childId"`
	UserID  string `json:"userId"`

	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	Progress    int    `json:"progress"`
	LastError   string `json:"last_error,omitempty"`
	FailedStep  string `json:"failed_step,omitempty"`

	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	CreatedAtMS int64  `json:"createdAtMs,omitempty"`
	DocumentURL string `json:"documentUrl,omitempty"`

	ContentRef *ContentRef `json:"contentS3Reference,omitempty"`

	// Legacy inline content, present only on records that predate blob
	// storage. Cleared by migration.
	Summaries     map[string]string         `json:"summaries,omitempty"`
	Sections      map[string][]Section      `json:"sections,omitempty"`
	DocumentIndex map[string]string         `json:"document_index,omitempty"`
	Abbreviations map[string][]Abbreviation `json:"abbreviations,omitempty"`
	MeetingNotes  map[string]string         `json:"meetingNotes,omitempty"`

	// MissingInfo stays on the record, keyed by language.
	MissingInfo map[string][]MissingInfoItem `json:"missingInfo,omitempty"`

	// Intermediate OCR artifacts. Kept on the record, never promoted to
	// the blob.
	OCRResult         json.RawMessage `json:"ocr_result,omitempty"`
	RedactedOCRResult json.RawMessage `json:"redacted_ocr_result,omitempty"`
}

// IsLegacy reports whether the record carries inline content and no blob
// reference.
func (r *Record) IsLegacy() bool {
	if r.ContentRef != nil {
		return false
	}
	return len(r.Summaries) > 0 || len(r.Sections) > 0 ||
		len(r.DocumentIndex) > 0 || len(r.Abbreviations) > 0 ||
		len(r.MeetingNotes) > 0
}

// InlineContent builds a Content from the legacy inline fields.
func (r *Record) InlineContent() *Content {
	return &Content{
		Summaries:     r.Summaries,
		Sections:      r.Sections,
		DocumentIndex: r.DocumentIndex,
		Abbreviations: r.Abbreviations,
		MeetingNotes:  r.MeetingNotes,
	}
}

// UserPrefs are a user's language preferences.
type UserPrefs struct {
	Languages       []string `json:"languages"`
	DefaultLanguage string   `json:"default_language"`
}

// DefaultUserPrefs is returned for users without a profile row.
func DefaultUserPrefs() UserPrefs {
	return UserPrefs{Languages: []string{"en"}, DefaultLanguage: "en"}
}

// ContentKey is the deterministic blob key for a record's content.
func ContentKey(iepID, childID string) string {
	return fmt.Sprintf("iep-data/%s/%s/content.json", iepID, childID)
}
