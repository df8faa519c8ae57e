package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// contentFields are the first path segments that live in the content blob
// once a record has been promoted. missingInfo always stays on the record.
var contentFields = map[string]bool{
	"summaries":      true,
	"sections":       true,
	"document_index": true,
	"abbreviations":  true,
	"meetingNotes":   true,
}

// Service is the persistence service. It owns all record and blob I/O;
// other components go through it.
type Service struct {
	meta   *Meta
	blobs  *Blobs
	bucket string
	logger *slog.Logger
}

// NewService wires the metadata store and blob store together.
func NewService(meta *Meta, blobs *Blobs, bucket string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meta: meta, blobs: blobs, bucket: bucket, logger: logger}
}

// Bucket returns the configured content bucket.
func (s *Service) Bucket() string { return s.bucket }

// checkOwner enforces that a mutating call carries the record owner's
// userId. An empty userId is allowed for trusted in-process callers.
func (s *Service) checkOwner(ctx context.Context, iepID, childID, userID string) error {
	if userID == "" {
		return nil
	}
	rec, err := s.meta.Get(ctx, iepID, childID)
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return fmt.Errorf("%w: %s/%s", ErrOwnership, iepID, childID)
	}
	return nil
}

// CreateDocument creates (or resets for reprocessing) a document record.
func (s *Service) CreateDocument(ctx context.Context, iepID, childID, userID, documentURL string) (*Record, error) {
	rec, err := s.meta.Create(ctx, iepID, childID, userID, documentURL)
	if err != nil {
		return nil, err
	}
	s.logger.Info("document record created",
		"iep_id", iepID, "child_id", childID, "user_id", userID)
	return rec, nil
}

// UpdateProgress applies a partial progress update. Progress never
// decreases.
func (s *Service) UpdateProgress(ctx context.Context, userID string, u ProgressUpdate) error {
	if err := s.checkOwner(ctx, u.IEPID, u.ChildID, userID); err != nil {
		return err
	}
	return s.meta.UpdateProgress(ctx, u)
}

// GetUserPrefs returns a user's language preferences.
func (s *Service) GetUserPrefs(ctx context.Context, userID string) (UserPrefs, error) {
	return s.meta.UserPrefs(ctx, userID)
}

// PutUserPrefs upserts a user's language preferences.
func (s *Service) PutUserPrefs(ctx context.Context, userID string, prefs UserPrefs) error {
	return s.meta.PutUserPrefs(ctx, userID, prefs)
}

// GetDocument returns the raw record, inline legacy content included.
func (s *Service) GetDocument(ctx context.Context, iepID, childID string) (*Record, error) {
	return s.meta.Get(ctx, iepID, childID)
}

// GetDocumentWithContent returns the record with its content resolved from
// the blob. Legacy records are migrated in the read path: the inline
// content is written to the blob, the reference recorded and the inline
// fields cleared. Running it twice yields identical content.
func (s *Service) GetDocumentWithContent(ctx context.Context, iepID, childID string) (*Record, *Content, error) {
	rec, err := s.meta.Get(ctx, iepID, childID)
	if err != nil {
		return nil, nil, err
	}

	if rec.ContentRef != nil {
		data, err := s.blobs.Get(rec.ContentRef.Bucket, rec.ContentRef.S3Key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load content blob: %w", err)
		}
		var content Content
		if err := json.Unmarshal(data, &content); err != nil {
			return nil, nil, fmt.Errorf("corrupt content blob: %w", err)
		}
		return rec, &content, nil
	}

	if !rec.IsLegacy() {
		return rec, &Content{}, nil
	}

	content := rec.InlineContent()
	if err := s.writeContent(ctx, iepID, childID, content); err != nil {
		return nil, nil, fmt.Errorf("lazy migration failed: %w", err)
	}
	s.logger.Info("migrated legacy record to blob storage",
		"iep_id", iepID, "child_id", childID)

	rec, err = s.meta.Get(ctx, iepID, childID)
	if err != nil {
		return nil, nil, err
	}
	return rec, content, nil
}

// SaveOCRData stores an intermediate OCR artifact on the record.
func (s *Service) SaveOCRData(ctx context.Context, userID, iepID, childID, dataType string, data json.RawMessage) error {
	if err := s.checkOwner(ctx, iepID, childID, userID); err != nil {
		return err
	}
	return s.meta.SaveOCR(ctx, iepID, childID, dataType, data)
}

// GetOCRData loads an intermediate OCR artifact.
func (s *Service) GetOCRData(ctx context.Context, iepID, childID, dataType string) (json.RawMessage, error) {
	return s.meta.GetOCR(ctx, iepID, childID, dataType)
}

// SaveContentToS3 writes the full content map to the blob and atomically
// swaps the record from inline fields to the reference.
func (s *Service) SaveContentToS3(ctx context.Context, userID, iepID, childID string, content *Content) error {
	if err := s.checkOwner(ctx, iepID, childID, userID); err != nil {
		return err
	}
	return s.writeContent(ctx, iepID, childID, content)
}

func (s *Service) writeContent(ctx context.Context, iepID, childID string, content *Content) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	key := ContentKey(iepID, childID)
	if err := s.blobs.Put(s.bucket, key, data); err != nil {
		return err
	}
	return s.meta.SetContentRef(ctx, iepID, childID, &ContentRef{
		S3Key:       key,
		Bucket:      s.bucket,
		Size:        int64(len(data)),
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	})
}

// DeleteContentFromS3 removes the content blob and clears the reference.
func (s *Service) DeleteContentFromS3(ctx context.Context, userID, iepID, childID string) error {
	if err := s.checkOwner(ctx, iepID, childID, userID); err != nil {
		return err
	}
	rec, err := s.meta.Get(ctx, iepID, childID)
	if err != nil {
		return err
	}
	if rec.ContentRef != nil {
		if err := s.blobs.Delete(rec.ContentRef.Bucket, rec.ContentRef.S3Key); err != nil {
			return err
		}
	}
	return s.meta.ClearContentRef(ctx, iepID, childID)
}

// SaveAPIFields applies fine-grained nested updates addressed by dotted
// paths, e.g. {"summaries.es": "..."}. The first segment selects the
// record field; when the record's content lives in the blob, content
// fields are applied there instead.
func (s *Service) SaveAPIFields(ctx context.Context, userID, iepID, childID string, fields map[string]json.RawMessage) error {
	if err := s.checkOwner(ctx, iepID, childID, userID); err != nil {
		return err
	}
	rec, err := s.meta.Get(ctx, iepID, childID)
	if err != nil {
		return err
	}

	blobFields := make(map[string]json.RawMessage)
	for path, value := range fields {
		root, rest, err := splitPath(path)
		if err != nil {
			return err
		}
		if rec.ContentRef != nil && contentFields[root] {
			blobFields[path] = value
			continue
		}
		err = s.meta.UpdateJSONColumn(ctx, iepID, childID, root, func(current []byte) ([]byte, error) {
			return applyPath(current, rest, value)
		})
		if err != nil {
			return err
		}
	}

	if len(blobFields) > 0 {
		if err := s.updateBlobFields(ctx, rec, blobFields); err != nil {
			return err
		}
	}
	return nil
}

// AppendToListField appends items to a nested list, initializing absent
// parents.
func (s *Service) AppendToListField(ctx context.Context, userID, iepID, childID, path string, items []json.RawMessage) error {
	if err := s.checkOwner(ctx, iepID, childID, userID); err != nil {
		return err
	}
	rec, err := s.meta.Get(ctx, iepID, childID)
	if err != nil {
		return err
	}
	root, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	if rec.ContentRef != nil && contentFields[root] {
		return s.mutateBlob(ctx, rec, func(doc []byte) ([]byte, error) {
			return appendAt(doc, path, items)
		})
	}

	return s.meta.UpdateJSONColumn(ctx, iepID, childID, root, func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			current = []byte(`{}`)
		}
		if rest == "" {
			// The column itself is the list.
			if string(current) == `{}` {
				current = []byte(`[]`)
			}
			return appendItems(current, "", items)
		}
		return appendAt(current, rest, items)
	})
}

// RecordFailure marks the record FAILED with the step and error that
// caused it.
func (s *Service) RecordFailure(ctx context.Context, userID, iepID, childID, errorMessage, failedStep string) error {
	if err := s.checkOwner(ctx, iepID, childID, userID); err != nil {
		return err
	}
	s.logger.Warn("recording pipeline failure",
		"iep_id", iepID, "child_id", childID, "step", failedStep, "error", errorMessage)
	return s.meta.RecordFailure(ctx, iepID, childID, errorMessage, failedStep)
}

// GetObject reads a blob. Pipeline steps use this to fetch source uploads.
func (s *Service) GetObject(bucket, key string) ([]byte, error) {
	return s.blobs.Get(bucket, key)
}

// PutObject writes a blob.
func (s *Service) PutObject(bucket, key string, data []byte) error {
	return s.blobs.Put(bucket, key, data)
}

// DeleteObject removes a blob. Used to drop the original upload once the
// redacted OCR is persisted.
func (s *Service) DeleteObject(bucket, key string) error {
	return s.blobs.Delete(bucket, key)
}

// updateBlobFields applies path updates to the content blob and refreshes
// the reference metadata.
func (s *Service) updateBlobFields(ctx context.Context, rec *Record, fields map[string]json.RawMessage) error {
	return s.mutateBlob(ctx, rec, func(doc []byte) ([]byte, error) {
		var err error
		for path, value := range fields {
			doc, err = sjson.SetRawBytes(doc, path, value)
			if err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
		return doc, nil
	})
}

func (s *Service) mutateBlob(ctx context.Context, rec *Record, fn func(doc []byte) ([]byte, error)) error {
	doc, err := s.blobs.Get(rec.ContentRef.Bucket, rec.ContentRef.S3Key)
	if err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			return err
		}
		doc = []byte(`{}`)
	}
	doc, err = fn(doc)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(rec.ContentRef.Bucket, rec.ContentRef.S3Key, doc); err != nil {
		return err
	}
	return s.meta.SetContentRef(ctx, rec.IEPID, rec.ChildID, &ContentRef{
		S3Key:       rec.ContentRef.S3Key,
		Bucket:      rec.ContentRef.Bucket,
		Size:        int64(len(doc)),
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	})
}

// splitPath validates a dotted path and splits off the record field.
func splitPath(path string) (root, rest string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("empty field path")
	}
	root, rest, _ = strings.Cut(path, ".")
	if _, ok := jsonColumns[root]; !ok {
		return "", "", fmt.Errorf("invalid field path %q", path)
	}
	return root, rest, nil
}

// applyPath sets value at a dotted path inside doc, initializing the
// document when absent. An empty path replaces the whole document.
func applyPath(doc []byte, path string, value json.RawMessage) ([]byte, error) {
	if path == "" {
		return value, nil
	}
	if len(doc) == 0 {
		doc = []byte(`{}`)
	}
	out, err := sjson.SetRawBytes(doc, path, value)
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", path, err)
	}
	return out, nil
}

// appendAt appends items to the array at path, creating it when absent.
func appendAt(doc []byte, path string, items []json.RawMessage) ([]byte, error) {
	if len(doc) == 0 {
		doc = []byte(`{}`)
	}
	if existing := gjson.GetBytes(doc, path); existing.Exists() && !existing.IsArray() {
		return nil, fmt.Errorf("field %s is not a list", path)
	}
	return appendItems(doc, path, items)
}

func appendItems(doc []byte, path string, items []json.RawMessage) ([]byte, error) {
	appendPath := "-1"
	if path != "" {
		appendPath = path + ".-1"
	}
	var err error
	for _, item := range items {
		doc, err = sjson.SetRawBytes(doc, appendPath, item)
		if err != nil {
			return nil, fmt.Errorf("failed to append to %s: %w", path, err)
		}
	}
	return doc, nil
}
