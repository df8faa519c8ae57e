// Package jobs is the durable execution engine: jobs emit work units,
// provider workers execute them under rate limits, and results flow back
// to the job until it reports done. Job records are persisted so that
// interrupted executions can be resumed after a restart.
package jobs

import (
	"context"
	"time"

	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/redact"
)

// Job is implemented by every pipeline execution type.
//
// Start must be idempotent: jobs are resumed after restarts and must check
// persisted state to skip work that already completed.
type Job interface {
	// ID returns the persistent record ID (set by the scheduler).
	ID() string

	// SetRecordID attaches the persistent record ID after creation.
	SetRecordID(id string)

	// Type returns the job type identifier used for factory lookup.
	Type() string

	// Start begins (or resumes) the job and returns initial work units.
	Start(ctx context.Context) ([]WorkUnit, error)

	// OnComplete consumes one work result and returns follow-up units.
	OnComplete(ctx context.Context, result WorkResult) ([]WorkUnit, error)

	// Done reports whether the job has finished (success or failure).
	Done() bool

	// Status reports progress as key-value pairs. Also persisted as the
	// job record's metadata.
	Status(ctx context.Context) (map[string]string, error)
}

// WorkUnitType routes a unit to the right worker kind.
type WorkUnitType string

const (
	WorkUnitTypeLLM    WorkUnitType = "llm"
	WorkUnitTypeOCR    WorkUnitType = "ocr"
	WorkUnitTypeDetect WorkUnitType = "detect"
)

// OCRRequest asks a worker to OCR a PDF.
type OCRRequest struct {
	PDF      []byte
	Filename string
}

// WorkUnit is one provider call owned by a job.
type WorkUnit struct {
	ID       string
	JobID    string
	Type     WorkUnitType
	Provider string // specific worker name; empty means any of the type

	// Exactly one of these is set, matching Type.
	ChatRequest   *providers.ChatRequest
	Tools         []providers.Tool
	OCRRequest    *OCRRequest
	DetectRequest *providers.OCRDocument

	// Payload carries job-private routing state back via the result.
	Payload any
}

// WorkResult is the outcome of one work unit.
type WorkResult struct {
	WorkUnitID string
	Success    bool
	Error      error
	Payload    any

	ChatResult     *providers.ChatResult
	OCRResult      *providers.OCRDocument
	RedactedResult *providers.OCRDocument
	RedactStats    *redact.Stats
}

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is a persisted job record.
type Record struct {
	ID          string         `json:"id"`
	JobType     string         `json:"job_type"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Factory recreates a job from its persisted record for resumption.
type Factory func(recordID string, metadata map[string]any) (Job, error)
