// Package ingest turns upload events into pipeline executions. It parses
// the event envelope, derives document identifiers from the object key,
// validates the upload is a readable PDF and submits one pipeline job per
// record, refusing a second execution for a document that already has one
// active.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/pipeline"
	"github.com/edbinder/binder/internal/store"
)

// ErrExecutionActive is returned when an execution for the same document
// is already running.
var ErrExecutionActive = errors.New("execution already active for document")

// Event is the upload-event envelope.
type Event struct {
	Records []EventRecord `json:"Records"`
}

// EventRecord describes one uploaded object.
type EventRecord struct {
	S3 S3Entity `json:"s3"`
}

// S3Entity carries the bucket and object of an event record.
type S3Entity struct {
	Bucket S3Bucket `json:"bucket"`
	Object S3Object `json:"object"`
}

// S3Bucket names the bucket the object was uploaded to.
type S3Bucket struct {
	Name string `json:"name"`
}

// S3Object locates the uploaded object. The key may be URL-encoded.
type S3Object struct {
	Key string `json:"key"`
}

// Request is the direct-invocation form, bypassing the event envelope.
type Request struct {
	IEPID   string `json:"iep_id"`
	UserID  string `json:"user_id"`
	ChildID string `json:"child_id"`
	Bucket  string `json:"s3_bucket"`
	Key     string `json:"s3_key"`
}

// Handler validates uploads and starts pipeline executions.
type Handler struct {
	store     *store.Service
	scheduler *jobs.Scheduler
	pipeline  pipeline.Config
	logger    *slog.Logger
}

// NewHandler creates an ingress handler.
func NewHandler(st *store.Service, scheduler *jobs.Scheduler, cfg pipeline.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, scheduler: scheduler, pipeline: cfg, logger: logger}
}

// HandleEvent parses an event envelope and starts one execution per
// record. It returns the names of the executions started; a failing
// record stops the walk and earlier executions keep running.
func (h *Handler) HandleEvent(ctx context.Context, data []byte) ([]string, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	if len(event.Records) == 0 {
		return nil, errors.New("event envelope has no records")
	}

	var names []string
	for i, rec := range event.Records {
		req, err := requestFromRecord(rec)
		if err != nil {
			return names, fmt.Errorf("record %d: %w", i, err)
		}
		name, err := h.Process(ctx, req)
		if err != nil {
			return names, fmt.Errorf("record %d: %w", i, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// Process starts one pipeline execution and returns its name. The record
// is created (or reset for reprocessing) before the job is submitted.
func (h *Handler) Process(ctx context.Context, req Request) (string, error) {
	if req.IEPID == "" || req.ChildID == "" || req.UserID == "" {
		return "", errors.New("missing document identifiers (iep_id, child_id, user_id)")
	}
	if req.Bucket == "" || req.Key == "" {
		return "", errors.New("missing upload location (s3_bucket, s3_key)")
	}

	iepKey := req.IEPID + "/" + req.ChildID
	if h.scheduler.HasActiveJob(ctx, "iep_key", iepKey) {
		return "", fmt.Errorf("%w: %s", ErrExecutionActive, iepKey)
	}

	pages, err := h.validatePDF(req.Bucket, req.Key)
	if err != nil {
		return "", err
	}

	documentURL := fmt.Sprintf("s3://%s/%s", req.Bucket, req.Key)
	if _, err := h.store.CreateDocument(ctx, req.IEPID, req.ChildID, req.UserID, documentURL); err != nil {
		return "", fmt.Errorf("failed to create document record: %w", err)
	}

	name := executionName(req.IEPID)
	job := pipeline.NewJob(h.pipeline, pipeline.Params{
		IEPID:   req.IEPID,
		ChildID: req.ChildID,
		UserID:  req.UserID,
		Bucket:  req.Bucket,
		Key:     req.Key,
	})
	if err := h.scheduler.Submit(ctx, job); err != nil {
		return "", fmt.Errorf("failed to start execution %s: %w", name, err)
	}

	h.logger.Info("pipeline execution started",
		"execution", name, "job_id", job.ID(),
		"iep_id", req.IEPID, "child_id", req.ChildID, "pages", pages)
	return name, nil
}

// requestFromRecord derives identifiers from an event record's object key.
func requestFromRecord(rec EventRecord) (Request, error) {
	bucket := rec.S3.Bucket.Name
	key := rec.S3.Object.Key
	if bucket == "" || key == "" {
		return Request{}, errors.New("event record missing bucket or object key")
	}

	userID, childID, iepID, err := splitKey(decodeKey(key))
	if err != nil {
		return Request{}, err
	}
	// The raw key goes on the request; the blob fetch retries decodings.
	return Request{
		IEPID:   iepID,
		UserID:  userID,
		ChildID: childID,
		Bucket:  bucket,
		Key:     key,
	}, nil
}

// decodeKey undoes URL encoding on an event object key. An undecodable key
// is used as-is.
func decodeKey(key string) string {
	if decoded, err := url.QueryUnescape(key); err == nil {
		return decoded
	}
	return key
}

// splitKey extracts identifiers from the userId/childId/iepId/filename
// path convention.
func splitKey(key string) (userID, childID, iepID string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return "", "", "", fmt.Errorf("object key %q does not match userId/childId/iepId/filename", key)
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("object key %q has an empty path segment", key)
		}
	}
	return parts[0], parts[1], parts[2], nil
}

// validatePDF fetches the upload and confirms it is a readable PDF with at
// least one page. Event keys arrive URL-encoded, so a miss is retried with
// alternate decodings, matching the pipeline's fetch.
func (h *Handler) validatePDF(bucket, key string) (int, error) {
	keys := []string{key}
	if decoded, err := url.QueryUnescape(key); err == nil && decoded != key {
		keys = append(keys, decoded)
	}
	if spaced := strings.ReplaceAll(key, "+", " "); spaced != key {
		keys = append(keys, spaced)
	}

	var data []byte
	var lastErr error
	for _, k := range keys {
		var err error
		data, err = h.store.GetObject(bucket, k)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !errors.Is(err, store.ErrBlobNotFound) {
			break
		}
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to fetch upload %s/%s: %w", bucket, key, lastErr)
	}

	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("upload %s/%s is not a readable PDF: %w", bucket, key, err)
	}
	if pages < 1 {
		return 0, fmt.Errorf("upload %s/%s has no pages", bucket, key)
	}
	return pages, nil
}

// executionName builds a unique, human-scannable execution name.
func executionName(iepID string) string {
	return fmt.Sprintf("iep-%s-%s", iepID, uuid.New().String()[:8])
}
