package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// Start begins or resumes the execution. It inspects the record's
// persisted artifacts and emits units only for the stages that have not
// completed yet.
func (j *Job) Start(ctx context.Context) ([]jobs.WorkUnit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, err := j.cfg.Store.GetDocument(ctx, j.params.IEPID, j.params.ChildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document record: %w", err)
	}

	switch rec.Status {
	case store.StatusFailed:
		// A resumed record that already failed stays failed.
		j.failed = true
		j.finished = true
		return nil, nil
	case store.StatusProcessed:
		j.finished = true
		return nil, nil
	}

	// Finalize crashed between blob promotion and the PROCESSED mark. The
	// blob is already complete; only the status flip remains.
	if rec.ContentRef != nil {
		if err := j.completeProcessed(ctx); err != nil {
			j.fail(ctx, stepFinalize, err)
		}
		return nil, nil
	}

	if redacted, err := j.cfg.Store.GetOCRData(ctx, j.params.IEPID, j.params.ChildID, store.OCRDataRedacted); err == nil && len(redacted) > 0 {
		doc, err := decodeOCRDocument(redacted)
		if err != nil {
			j.fail(ctx, stepRedact, fmt.Errorf("corrupt redacted OCR artifact: %w", err))
			return nil, nil
		}
		j.doc = doc
		return j.startEnglish(ctx, rec)
	}

	if raw, err := j.cfg.Store.GetOCRData(ctx, j.params.IEPID, j.params.ChildID, store.OCRDataRaw); err == nil && len(raw) > 0 {
		doc, err := decodeOCRDocument(raw)
		if err != nil {
			j.fail(ctx, stepOCR, fmt.Errorf("corrupt OCR artifact: %w", err))
			return nil, nil
		}
		return []jobs.WorkUnit{j.detectUnit(doc)}, nil
	}

	if err := j.progress(ctx, stepStart, progressStart, ""); err != nil {
		return nil, err
	}

	pdf, err := j.fetchSource()
	if err != nil {
		j.fail(ctx, stepOCR, err)
		return nil, nil
	}
	return []jobs.WorkUnit{j.ocrUnit(pdf)}, nil
}

// fetchSource loads the uploaded PDF. Event keys arrive URL-encoded, so a
// miss is retried with alternate decodings before giving up.
func (j *Job) fetchSource() ([]byte, error) {
	keys := []string{j.params.Key}
	if decoded, err := url.QueryUnescape(j.params.Key); err == nil && decoded != j.params.Key {
		keys = append(keys, decoded)
	}
	if spaced := strings.ReplaceAll(j.params.Key, "+", " "); spaced != j.params.Key {
		keys = append(keys, spaced)
	}

	var lastErr error
	for _, key := range keys {
		data, err := j.cfg.Store.GetObject(j.params.Bucket, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrBlobNotFound) {
			break
		}
	}
	return nil, fmt.Errorf("failed to fetch upload %s/%s: %w", j.params.Bucket, j.params.Key, lastErr)
}

func (j *Job) ocrUnit(pdf []byte) jobs.WorkUnit {
	tag := &unitTag{step: stepOCR}
	unit := jobs.WorkUnit{
		Type:     jobs.WorkUnitTypeOCR,
		Provider: j.cfg.OCRProvider,
		OCRRequest: &jobs.OCRRequest{
			PDF:      pdf,
			Filename: filenameFromKey(j.params.Key),
		},
		Payload: tag,
	}
	tag.unit = &unit
	return unit
}

func (j *Job) detectUnit(doc *providers.OCRDocument) jobs.WorkUnit {
	tag := &unitTag{step: stepRedact}
	unit := jobs.WorkUnit{
		Type:          jobs.WorkUnitTypeDetect,
		Provider:      j.cfg.DetectProvider,
		DetectRequest: doc,
		Payload:       tag,
	}
	tag.unit = &unit
	return unit
}

// llmUnit wraps a chat request as a work unit, applying the step timeout.
func (j *Job) llmUnit(tag *unitTag, req *providers.ChatRequest, tools []providers.Tool) jobs.WorkUnit {
	if req.Timeout == 0 {
		req.Timeout = j.cfg.StepTimeout
	}
	unit := jobs.WorkUnit{
		Type:        jobs.WorkUnitTypeLLM,
		Provider:    j.cfg.LLMProvider,
		ChatRequest: req,
		Tools:       tools,
		Payload:     tag,
	}
	tag.unit = &unit
	return unit
}

func decodeOCRDocument(data json.RawMessage) (*providers.OCRDocument, error) {
	var doc providers.OCRDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func filenameFromKey(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
