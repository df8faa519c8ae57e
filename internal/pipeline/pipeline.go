// Package pipeline is the document-processing orchestrator. One Job drives
// a single IEP upload through OCR, PII redaction, the three English
// extractions, per-language translation fan-out and finalization, running
// every provider call as a scheduler work unit. Progress and failures are
// recorded on the document record; Start is idempotent so interrupted
// executions resume from their persisted artifacts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	agentpkg "github.com/edbinder/binder/internal/agent"
	"github.com/edbinder/binder/internal/extract"
	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// JobType identifies pipeline executions in the job store.
const JobType = "iep_pipeline"

// Step names, recorded as current_step and failed_step.
const (
	stepStart            = "start"
	stepOCR              = "ocr"
	stepRedact           = "redact"
	stepOCRDone          = "ocr_done"
	stepRedacted         = "redacted"
	stepTranslationsDone = "translations_done"
	stepExtract          = "extract_structured"
	stepNotes            = "extract_meeting_notes"
	stepReview           = "review_missing_info"
	stepEnglishSaved     = "english_saved"
	stepTranslateParsed  = "translate_parsed"
	stepTranslateNotes   = "translate_meeting_notes"
	stepTranslateMissing = "translate_missing_info"
	stepFinalize         = "finalize"
	stepDone             = "done"
)

// Progress checkpoints. Progress only moves forward; RecordFailure is the
// one path that resets it.
const (
	progressStart        = 5
	progressOCRDone      = 15
	progressRedacted     = 25
	progressEnglishSaved = 70
	progressTranslated   = 95
	progressDone         = 100
)

const defaultMaxUnitRetries = 3

// Config wires a pipeline job to its collaborators.
type Config struct {
	Store  *store.Service
	Logger *slog.Logger

	// Worker names for routing; empty means any worker of the type.
	LLMProvider    string
	OCRProvider    string
	DetectProvider string

	// MaxUnitRetries bounds transient re-submissions per work unit
	// (default 3).
	MaxUnitRetries int

	// StepTimeout is the wall-clock budget applied to each LLM call.
	StepTimeout time.Duration
}

// Params identify the document an execution processes.
type Params struct {
	IEPID   string
	ChildID string
	UserID  string
	Bucket  string
	Key     string
}

// unitTag is the job-private payload attached to every work unit. It
// carries the unit back for retries and routes its result to the right
// stage handler.
type unitTag struct {
	step     string
	lang     string
	agent    *agentpkg.Agent
	attempts int
	unit     *jobs.WorkUnit
}

// Job is one pipeline execution.
type Job struct {
	mu  sync.Mutex
	cfg Config

	recordID string
	params   Params
	step     string

	// Stage state, rebuilt from persisted artifacts on resume.
	doc          *providers.OCRDocument
	targetLangs  []string
	parsed       *extract.Result
	meetingNotes string
	missingInfo  []store.MissingInfoItem

	englishPending   int
	translatePending int

	failed   bool
	finished bool
}

// NewJob creates a pipeline execution for one uploaded document.
func NewJob(cfg Config, params Params) *Job {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUnitRetries <= 0 {
		cfg.MaxUnitRetries = defaultMaxUnitRetries
	}
	return &Job{cfg: cfg, params: params, step: stepStart}
}

// Factory recreates pipeline jobs from persisted record metadata so the
// scheduler can resume them after a restart.
func Factory(cfg Config) jobs.Factory {
	return func(recordID string, metadata map[string]any) (jobs.Job, error) {
		str := func(key string) string {
			v, _ := metadata[key].(string)
			return v
		}
		params := Params{
			IEPID:   str("iep_id"),
			ChildID: str("child_id"),
			UserID:  str("user_id"),
			Bucket:  str("s3_bucket"),
			Key:     str("s3_key"),
		}
		if params.IEPID == "" || params.ChildID == "" {
			return nil, fmt.Errorf("job %s metadata missing document identifiers", recordID)
		}
		job := NewJob(cfg, params)
		job.recordID = recordID
		return job, nil
	}
}

// ID returns the persistent job record ID.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recordID
}

// SetRecordID attaches the persistent record ID.
func (j *Job) SetRecordID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recordID = id
}

// Type returns the job type identifier.
func (j *Job) Type() string { return JobType }

// Done reports whether the execution has finished.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Status reports execution state; persisted as job record metadata and
// used by ingress for single-active-execution dedupe (iep_key).
func (j *Job) Status(ctx context.Context) (map[string]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]string{
		"iep_id":    j.params.IEPID,
		"child_id":  j.params.ChildID,
		"user_id":   j.params.UserID,
		"s3_bucket": j.params.Bucket,
		"s3_key":    j.params.Key,
		"iep_key":   j.params.IEPID + "/" + j.params.ChildID,
		"step":      j.step,
	}, nil
}

// progress records a progress checkpoint. Status is optional.
func (j *Job) progress(ctx context.Context, step string, pct int, status string) error {
	j.step = step
	return j.cfg.Store.UpdateProgress(ctx, j.params.UserID, store.ProgressUpdate{
		IEPID:       j.params.IEPID,
		ChildID:     j.params.ChildID,
		Progress:    pct,
		CurrentStep: step,
		Status:      status,
	})
}

// fail records a terminal failure and stops the execution. Sibling units
// still in flight are ignored when their results arrive.
func (j *Job) fail(ctx context.Context, step string, err error) {
	j.failed = true
	j.finished = true
	j.step = step
	j.cfg.Logger.Error("pipeline execution failed",
		"iep_id", j.params.IEPID, "child_id", j.params.ChildID,
		"step", step, "error", err)
	if rerr := j.cfg.Store.RecordFailure(ctx, j.params.UserID,
		j.params.IEPID, j.params.ChildID, err.Error(), step); rerr != nil {
		j.cfg.Logger.Error("failed to record pipeline failure",
			"iep_id", j.params.IEPID, "error", rerr)
	}
}
