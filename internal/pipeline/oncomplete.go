package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/store"
)

// OnComplete consumes one work result and returns follow-up units.
// Transient provider failures re-submit the same unit up to the retry
// budget; anything past that, and every validation failure, is fatal for
// the execution (except the missing-info branch, which is advisory).
func (j *Job) OnComplete(ctx context.Context, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.finished {
		return nil, nil
	}

	tag, ok := result.Payload.(*unitTag)
	if !ok || tag == nil {
		return nil, fmt.Errorf("work result without pipeline tag")
	}

	if result.Error != nil {
		return j.retryOrFail(ctx, tag, result.Error)
	}

	switch tag.step {
	case stepOCR:
		return j.handleOCR(ctx, result)
	case stepRedact:
		return j.handleRedact(ctx, result)
	case stepExtract:
		return j.handleExtract(ctx, tag, result)
	case stepNotes:
		return j.handleNotes(ctx, tag, result)
	case stepReview:
		return j.handleReview(ctx, tag, result)
	case stepTranslateParsed:
		return j.handleTranslateParsed(ctx, tag, result)
	case stepTranslateNotes:
		return j.handleTranslateNotes(ctx, tag, result)
	case stepTranslateMissing:
		return j.handleTranslateMissing(ctx, tag, result)
	default:
		return nil, fmt.Errorf("work result for unknown step %q", tag.step)
	}
}

// retryOrFail re-submits a unit after a transient failure, or fails the
// execution once the retry budget is spent. Step-timeout expiry is not
// transient and skips the retry budget. The missing-info branch never
// fails the execution.
func (j *Job) retryOrFail(ctx context.Context, tag *unitTag, cause error) ([]jobs.WorkUnit, error) {
	tag.attempts++
	if tag.attempts < j.cfg.MaxUnitRetries && tag.unit != nil && !errors.Is(cause, context.DeadlineExceeded) {
		j.cfg.Logger.Warn("retrying work unit",
			"step", tag.step, "lang", tag.lang,
			"attempt", tag.attempts+1, "error", cause)
		retry := *tag.unit
		retry.ID = ""
		return []jobs.WorkUnit{retry}, nil
	}

	switch tag.step {
	case stepReview:
		j.cfg.Logger.Warn("missing-info review failed, continuing without it", "error", cause)
		j.missingInfo = []store.MissingInfoItem{}
		return j.saveReview(ctx)
	case stepTranslateMissing:
		j.cfg.Logger.Warn("missing-info translation failed, skipping",
			"lang", tag.lang, "error", cause)
		return j.translationDone(ctx)
	}

	j.fail(ctx, stepName(tag), cause)
	return nil, nil
}

// stepName qualifies translation steps with their language for failed_step.
func stepName(tag *unitTag) string {
	if tag.lang == "" {
		return tag.step
	}
	return tag.step + "_" + tag.lang
}

func (j *Job) handleOCR(ctx context.Context, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	doc := result.OCRResult
	if doc == nil {
		j.fail(ctx, stepOCR, fmt.Errorf("ocr worker returned no document"))
		return nil, nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		j.fail(ctx, stepOCR, fmt.Errorf("failed to encode OCR result: %w", err))
		return nil, nil
	}
	if err := j.cfg.Store.SaveOCRData(ctx, j.params.UserID,
		j.params.IEPID, j.params.ChildID, store.OCRDataRaw, raw); err != nil {
		j.fail(ctx, stepOCR, err)
		return nil, nil
	}
	if err := j.progress(ctx, stepOCRDone, progressOCRDone, ""); err != nil {
		j.fail(ctx, stepOCR, err)
		return nil, nil
	}

	j.cfg.Logger.Info("ocr complete",
		"iep_id", j.params.IEPID, "pages", len(doc.Pages))
	return []jobs.WorkUnit{j.detectUnit(doc)}, nil
}

func (j *Job) handleRedact(ctx context.Context, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	doc := result.RedactedResult
	if doc == nil {
		j.fail(ctx, stepRedact, fmt.Errorf("redactor returned no document"))
		return nil, nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		j.fail(ctx, stepRedact, fmt.Errorf("failed to encode redacted OCR: %w", err))
		return nil, nil
	}
	if err := j.cfg.Store.SaveOCRData(ctx, j.params.UserID,
		j.params.IEPID, j.params.ChildID, store.OCRDataRedacted, raw); err != nil {
		j.fail(ctx, stepRedact, err)
		return nil, nil
	}
	if err := j.progress(ctx, stepRedacted, progressRedacted, ""); err != nil {
		j.fail(ctx, stepRedact, err)
		return nil, nil
	}

	// The original upload is dropped once redacted text is persisted; the
	// locator on the record remains.
	if err := j.cfg.Store.DeleteObject(j.params.Bucket, j.params.Key); err != nil {
		j.cfg.Logger.Warn("failed to delete original upload",
			"bucket", j.params.Bucket, "key", j.params.Key, "error", err)
	}

	if result.RedactStats != nil {
		j.cfg.Logger.Info("redaction complete",
			"iep_id", j.params.IEPID,
			"total_entities", result.RedactStats.TotalEntities,
			"redacted_entities", result.RedactStats.RedactedEntities)
	}

	j.doc = doc
	rec, err := j.cfg.Store.GetDocument(ctx, j.params.IEPID, j.params.ChildID)
	if err != nil {
		j.fail(ctx, stepRedact, err)
		return nil, nil
	}
	return j.startEnglish(ctx, rec)
}
