package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors returned by the metadata store.
var (
	ErrNotFound  = errors.New("record not found")
	ErrOwnership = errors.New("record owned by another user")
)

// jsonColumns are the record columns holding JSON documents that
// path-addressed updates may target. The map key is the first segment of
// an update path.
var jsonColumns = map[string]string{
	"summaries":      "summaries",
	"sections":       "sections",
	"document_index": "document_index",
	"abbreviations":  "abbreviations",
	"meetingNotes":   "meeting_notes",
	"missingInfo":    "missing_info",
}

// Meta is the SQL metadata store for document records and user profiles.
type Meta struct {
	db             *sql.DB
	documentsTable string
	profilesTable  string
}

// NewMeta creates the metadata store. Tables must already be migrated.
func NewMeta(db *sql.DB, documentsTable, profilesTable string) *Meta {
	return &Meta{db: db, documentsTable: documentsTable, profilesTable: profilesTable}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Create inserts a new document record, or resets an existing one for
// reprocessing. Status PROCESSING, progress 5, step "start".
func (m *Meta) Create(ctx context.Context, iepID, childID, userID, documentURL string) (*Record, error) {
	now := time.Now().UTC()
	iso := now.Format(time.RFC3339)

	query := fmt.Sprintf(`
INSERT INTO %s (iep_id, child_id, user_id, status, current_step, progress,
	created_at, updated_at, created_at_ms, document_url)
VALUES (?, ?, ?, ?, 'start', 5, ?, ?, ?, ?)
ON CONFLICT (iep_id, child_id) DO UPDATE SET
	status = excluded.status,
	current_step = excluded.current_step,
	progress = excluded.progress,
	last_error = NULL,
	failed_step = NULL,
	updated_at = excluded.updated_at,
	document_url = excluded.document_url
`, m.documentsTable)

	_, err := m.db.ExecContext(ctx, query,
		iepID, childID, userID, StatusProcessing,
		iso, iso, now.UnixMilli(), documentURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	return m.Get(ctx, iepID, childID)
}

// Get loads a record by its composite key.
func (m *Meta) Get(ctx context.Context, iepID, childID string) (*Record, error) {
	query := fmt.Sprintf(`
SELECT iep_id, child_id, user_id, status, current_step, progress,
	last_error, failed_step, created_at, updated_at, created_at_ms,
	document_url, content_ref, summaries, sections, document_index,
	abbreviations, meeting_notes, missing_info, ocr_result,
	redacted_ocr_result
FROM %s WHERE iep_id = ? AND child_id = ?
`, m.documentsTable)

	row := m.db.QueryRowContext(ctx, query, iepID, childID)

	var rec Record
	var lastError, failedStep, contentRef sql.NullString
	var summaries, sections, docIndex, abbrevs, notes, missing sql.NullString
	var ocrRaw, ocrRedacted sql.NullString

	err := row.Scan(&rec.IEPID, &rec.ChildID, &rec.UserID, &rec.Status,
		&rec.CurrentStep, &rec.Progress, &lastError, &failedStep,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CreatedAtMS, &rec.DocumentURL,
		&contentRef, &summaries, &sections, &docIndex, &abbrevs, &notes,
		&missing, &ocrRaw, &ocrRedacted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, iepID, childID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	rec.LastError = lastError.String
	rec.FailedStep = failedStep.String

	if contentRef.Valid && contentRef.String != "" {
		var ref ContentRef
		if err := json.Unmarshal([]byte(contentRef.String), &ref); err != nil {
			return nil, fmt.Errorf("corrupt content_ref: %w", err)
		}
		rec.ContentRef = &ref
	}

	for _, f := range []struct {
		col sql.NullString
		dst any
	}{
		{summaries, &rec.Summaries},
		{sections, &rec.Sections},
		{docIndex, &rec.DocumentIndex},
		{abbrevs, &rec.Abbreviations},
		{notes, &rec.MeetingNotes},
		{missing, &rec.MissingInfo},
	} {
		if f.col.Valid && f.col.String != "" {
			if err := json.Unmarshal([]byte(f.col.String), f.dst); err != nil {
				return nil, fmt.Errorf("corrupt record field: %w", err)
			}
		}
	}

	if ocrRaw.Valid && ocrRaw.String != "" {
		rec.OCRResult = json.RawMessage(ocrRaw.String)
	}
	if ocrRedacted.Valid && ocrRedacted.String != "" {
		rec.RedactedOCRResult = json.RawMessage(ocrRedacted.String)
	}

	return &rec, nil
}

// ProgressUpdate carries the update_progress parameters.
type ProgressUpdate struct {
	IEPID       string
	ChildID     string
	Progress    int
	CurrentStep string
	Status      string // optional
	LastError   string // optional
}

// UpdateProgress applies a partial update. Progress never decreases.
func (m *Meta) UpdateProgress(ctx context.Context, u ProgressUpdate) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	progress = MAX(progress, ?),
	current_step = ?,
	status = CASE WHEN ? != '' THEN ? ELSE status END,
	last_error = CASE WHEN ? != '' THEN ? ELSE last_error END,
	updated_at = ?
WHERE iep_id = ? AND child_id = ?
`, m.documentsTable)

	res, err := m.db.ExecContext(ctx, query,
		u.Progress, u.CurrentStep,
		u.Status, u.Status,
		u.LastError, u.LastError,
		nowISO(), u.IEPID, u.ChildID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return requireRow(res, u.IEPID, u.ChildID)
}

// RecordFailure marks the record FAILED and resets progress to 0.
// This is the only path that lowers progress.
func (m *Meta) RecordFailure(ctx context.Context, iepID, childID, errorMessage, failedStep string) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = ?, progress = 0, last_error = ?, failed_step = ?, updated_at = ?
WHERE iep_id = ? AND child_id = ?
`, m.documentsTable)

	res, err := m.db.ExecContext(ctx, query,
		StatusFailed, errorMessage, failedStep, nowISO(), iepID, childID)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return requireRow(res, iepID, childID)
}

// SaveOCR stores an intermediate OCR artifact on the record.
func (m *Meta) SaveOCR(ctx context.Context, iepID, childID, dataType string, data json.RawMessage) error {
	col, err := ocrColumn(dataType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE iep_id = ? AND child_id = ?`,
		m.documentsTable, col)
	res, err := m.db.ExecContext(ctx, query, string(data), nowISO(), iepID, childID)
	if err != nil {
		return fmt.Errorf("failed to save ocr data: %w", err)
	}
	return requireRow(res, iepID, childID)
}

// GetOCR loads an intermediate OCR artifact, or ErrNotFound when the
// attribute is absent.
func (m *Meta) GetOCR(ctx context.Context, iepID, childID, dataType string) (json.RawMessage, error) {
	col, err := ocrColumn(dataType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE iep_id = ? AND child_id = ?`,
		col, m.documentsTable)

	var data sql.NullString
	err = m.db.QueryRowContext(ctx, query, iepID, childID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, iepID, childID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ocr data: %w", err)
	}
	if !data.Valid || data.String == "" {
		return nil, fmt.Errorf("%w: %s for %s/%s", ErrNotFound, dataType, iepID, childID)
	}
	return json.RawMessage(data.String), nil
}

func ocrColumn(dataType string) (string, error) {
	switch dataType {
	case OCRDataRaw:
		return "ocr_result", nil
	case OCRDataRedacted:
		return "redacted_ocr_result", nil
	default:
		return "", fmt.Errorf("invalid data_type %q", dataType)
	}
}

// SetContentRef records the blob reference and clears all legacy inline
// fields in one statement, so a mixed state is never visible.
func (m *Meta) SetContentRef(ctx context.Context, iepID, childID string, ref *ContentRef) error {
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal content ref: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	content_ref = ?,
	summaries = NULL, sections = NULL, document_index = NULL,
	abbreviations = NULL, meeting_notes = NULL,
	updated_at = ?
WHERE iep_id = ? AND child_id = ?
`, m.documentsTable)

	res, err := m.db.ExecContext(ctx, query, string(refJSON), nowISO(), iepID, childID)
	if err != nil {
		return fmt.Errorf("failed to set content ref: %w", err)
	}
	return requireRow(res, iepID, childID)
}

// ClearContentRef removes the blob reference from the record.
func (m *Meta) ClearContentRef(ctx context.Context, iepID, childID string) error {
	query := fmt.Sprintf(`UPDATE %s SET content_ref = NULL, updated_at = ? WHERE iep_id = ? AND child_id = ?`,
		m.documentsTable)
	res, err := m.db.ExecContext(ctx, query, nowISO(), iepID, childID)
	if err != nil {
		return fmt.Errorf("failed to clear content ref: %w", err)
	}
	return requireRow(res, iepID, childID)
}

// UpdateJSONColumn applies a read-modify-write to one JSON column inside a
// transaction. fn receives the current document (nil when unset) and
// returns the replacement.
func (m *Meta) UpdateJSONColumn(ctx context.Context, iepID, childID, column string, fn func(current []byte) ([]byte, error)) error {
	col, ok := jsonColumns[column]
	if !ok {
		return fmt.Errorf("invalid field %q", column)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	selectQ := fmt.Sprintf(`SELECT %s FROM %s WHERE iep_id = ? AND child_id = ?`, col, m.documentsTable)
	err = tx.QueryRowContext(ctx, selectQ, iepID, childID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, iepID, childID)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", col, err)
	}

	var cur []byte
	if current.Valid && current.String != "" {
		cur = []byte(current.String)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}

	updateQ := fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE iep_id = ? AND child_id = ?`,
		m.documentsTable, col)
	if _, err := tx.ExecContext(ctx, updateQ, string(next), nowISO(), iepID, childID); err != nil {
		return fmt.Errorf("failed to write %s: %w", col, err)
	}
	return tx.Commit()
}

// UserPrefs loads a user's language preferences, defaulting to English
// when no profile exists.
func (m *Meta) UserPrefs(ctx context.Context, userID string) (UserPrefs, error) {
	query := fmt.Sprintf(`SELECT languages, default_language FROM %s WHERE user_id = ?`, m.profilesTable)

	var languages, defaultLang string
	err := m.db.QueryRowContext(ctx, query, userID).Scan(&languages, &defaultLang)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultUserPrefs(), nil
	}
	if err != nil {
		return UserPrefs{}, fmt.Errorf("failed to load user prefs: %w", err)
	}

	prefs := UserPrefs{DefaultLanguage: defaultLang}
	if err := json.Unmarshal([]byte(languages), &prefs.Languages); err != nil {
		return UserPrefs{}, fmt.Errorf("corrupt languages for %s: %w", userID, err)
	}
	if len(prefs.Languages) == 0 {
		return DefaultUserPrefs(), nil
	}
	return prefs, nil
}

// PutUserPrefs upserts a user's language preferences.
func (m *Meta) PutUserPrefs(ctx context.Context, userID string, prefs UserPrefs) error {
	languages, err := json.Marshal(prefs.Languages)
	if err != nil {
		return fmt.Errorf("failed to marshal languages: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (user_id, languages, default_language) VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	languages = excluded.languages,
	default_language = excluded.default_language
`, m.profilesTable)
	if _, err := m.db.ExecContext(ctx, query, userID, string(languages), prefs.DefaultLanguage); err != nil {
		return fmt.Errorf("failed to save user prefs: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, iepID, childID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, iepID, childID)
	}
	return nil
}
