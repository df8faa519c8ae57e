package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/edbinder/binder/internal/extract"
	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/store"
	"github.com/edbinder/binder/internal/translate"
)

// startTranslations fans out per (payload kind, language). Empty English
// meeting notes skip their translations; an empty missing-info list skips
// its calls; no target languages at all is a straight path to finalize.
// Branches already merged on the record (resume) are skipped.
func (j *Job) startTranslations(ctx context.Context) ([]jobs.WorkUnit, error) {
	if len(j.targetLangs) == 0 {
		return nil, j.finishTranslations(ctx)
	}

	rec, err := j.cfg.Store.GetDocument(ctx, j.params.IEPID, j.params.ChildID)
	if err != nil {
		j.fail(ctx, stepEnglishSaved, err)
		return nil, nil
	}

	var units []jobs.WorkUnit
	for _, lang := range j.targetLangs {
		if len(rec.Sections[lang]) == 0 {
			if j.parsed == nil {
				j.fail(ctx, stepTranslateParsed, errors.New("no parsed English content to translate"))
				return nil, nil
			}
			ag, err := translate.NewParsedAgent(
				fmt.Sprintf("translate-parsed-%s-%s", lang, j.recordID),
				lang, parsedPayload(j.parsed))
			if err != nil {
				j.fail(ctx, stepTranslateParsed+"_"+lang, err)
				return nil, nil
			}
			req, tools := ag.Next()
			tag := &unitTag{step: stepTranslateParsed, lang: lang, agent: ag}
			units = append(units, j.llmUnit(tag, req, tools))
			j.translatePending++
		}

		if j.meetingNotes != "" {
			if _, done := rec.MeetingNotes[lang]; !done {
				ag, err := translate.NewMeetingNotesAgent(
					fmt.Sprintf("translate-notes-%s-%s", lang, j.recordID),
					lang, j.meetingNotes)
				if err != nil {
					j.fail(ctx, stepTranslateNotes+"_"+lang, err)
					return nil, nil
				}
				req, tools := ag.Next()
				tag := &unitTag{step: stepTranslateNotes, lang: lang, agent: ag}
				units = append(units, j.llmUnit(tag, req, tools))
				j.translatePending++
			}
		}

		if len(j.missingInfo) > 0 {
			if _, done := rec.MissingInfo[lang]; !done {
				req, err := translate.MissingInfoRequest(lang, j.missingInfo)
				if err != nil {
					j.cfg.Logger.Warn("skipping missing-info translation",
						"lang", lang, "error", err)
					continue
				}
				tag := &unitTag{step: stepTranslateMissing, lang: lang}
				units = append(units, j.llmUnit(tag, req, nil))
				j.translatePending++
			}
		}
	}

	if j.translatePending == 0 {
		return nil, j.finishTranslations(ctx)
	}
	return units, nil
}

func (j *Job) handleTranslateParsed(ctx context.Context, tag *unitTag, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	cr := result.ChatResult
	if cr == nil || !cr.Success {
		return j.retryOrFail(ctx, tag, chatError(cr))
	}

	if err := tag.agent.HandleResult(ctx, cr); err != nil {
		j.fail(ctx, stepName(tag), err)
		return nil, nil
	}
	if !tag.agent.IsDone() {
		req, tools := tag.agent.Next()
		if req != nil {
			next := &unitTag{step: tag.step, lang: tag.lang, agent: tag.agent}
			return []jobs.WorkUnit{j.llmUnit(next, req, tools)}, nil
		}
	}

	ares := tag.agent.Result()
	if !ares.Success {
		j.fail(ctx, stepName(tag), errors.New(ares.Error))
		return nil, nil
	}
	payload, err := translate.FinalizeParsed(ares.ToolResult)
	if err != nil {
		j.fail(ctx, stepName(tag), err)
		return nil, nil
	}

	fields, err := encodeFields(map[string]any{
		"summaries." + tag.lang:      payload.Summary,
		"sections." + tag.lang:       payload.Sections,
		"document_index." + tag.lang: payload.DocumentIndex,
		"abbreviations." + tag.lang:  payload.Abbreviations,
	})
	if err == nil {
		err = j.cfg.Store.SaveAPIFields(ctx, j.params.UserID,
			j.params.IEPID, j.params.ChildID, fields)
	}
	if err != nil {
		j.fail(ctx, stepName(tag), err)
		return nil, nil
	}
	return j.translationDone(ctx)
}

func (j *Job) handleTranslateNotes(ctx context.Context, tag *unitTag, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	cr := result.ChatResult
	if cr == nil || !cr.Success {
		return j.retryOrFail(ctx, tag, chatError(cr))
	}

	if err := tag.agent.HandleResult(ctx, cr); err != nil {
		j.fail(ctx, stepName(tag), err)
		return nil, nil
	}
	if !tag.agent.IsDone() {
		req, tools := tag.agent.Next()
		if req != nil {
			next := &unitTag{step: tag.step, lang: tag.lang, agent: tag.agent}
			return []jobs.WorkUnit{j.llmUnit(next, req, tools)}, nil
		}
	}

	ares := tag.agent.Result()
	if !ares.Success {
		j.fail(ctx, stepName(tag), errors.New(ares.Error))
		return nil, nil
	}
	notes, err := translate.FinalizeMeetingNotes(ares.ToolResult)
	if err != nil {
		j.fail(ctx, stepName(tag), err)
		return nil, nil
	}

	fields, err := encodeFields(map[string]any{"meetingNotes." + tag.lang: notes})
	if err == nil {
		err = j.cfg.Store.SaveAPIFields(ctx, j.params.UserID,
			j.params.IEPID, j.params.ChildID, fields)
	}
	if err != nil {
		j.fail(ctx, stepName(tag), err)
		return nil, nil
	}
	return j.translationDone(ctx)
}

func (j *Job) handleTranslateMissing(ctx context.Context, tag *unitTag, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	cr := result.ChatResult
	if cr == nil || !cr.Success {
		return j.retryOrFail(ctx, tag, chatError(cr))
	}

	items, err := translate.ParseMissingInfo(cr.Content, j.missingInfo)
	if err != nil {
		// Advisory content; skip the merge rather than failing the run.
		j.cfg.Logger.Warn("missing-info translation unparseable, skipping",
			"lang", tag.lang, "error", err)
		return j.translationDone(ctx)
	}

	fields, err := encodeFields(map[string]any{"missingInfo." + tag.lang: items})
	if err == nil {
		err = j.cfg.Store.SaveAPIFields(ctx, j.params.UserID,
			j.params.IEPID, j.params.ChildID, fields)
	}
	if err != nil {
		j.cfg.Logger.Warn("failed to merge missing-info translation",
			"lang", tag.lang, "error", err)
	}
	return j.translationDone(ctx)
}

// translationDone joins the translation fan-out; the last branch through
// finalizes the record.
func (j *Job) translationDone(ctx context.Context) ([]jobs.WorkUnit, error) {
	j.translatePending--
	if j.translatePending > 0 {
		return nil, nil
	}
	return nil, j.finishTranslations(ctx)
}

func (j *Job) finishTranslations(ctx context.Context) error {
	if err := j.progress(ctx, stepTranslationsDone, progressTranslated, ""); err != nil {
		j.fail(ctx, stepFinalize, err)
		return nil
	}
	if err := j.finalize(ctx); err != nil {
		j.fail(ctx, stepFinalize, err)
	}
	return nil
}

// finalize assembles the complete content map from the record's language
// slices, promotes it to the blob and marks the record PROCESSED.
func (j *Job) finalize(ctx context.Context) error {
	rec, err := j.cfg.Store.GetDocument(ctx, j.params.IEPID, j.params.ChildID)
	if err != nil {
		return err
	}

	content := rec.InlineContent()
	if err := j.cfg.Store.SaveContentToS3(ctx, j.params.UserID,
		j.params.IEPID, j.params.ChildID, content); err != nil {
		return err
	}
	return j.completeProcessed(ctx)
}

func (j *Job) completeProcessed(ctx context.Context) error {
	if err := j.progress(ctx, stepDone, progressDone, store.StatusProcessed); err != nil {
		return err
	}
	j.finished = true
	j.cfg.Logger.Info("pipeline execution complete",
		"iep_id", j.params.IEPID, "child_id", j.params.ChildID,
		"languages", len(j.targetLangs)+1)
	return nil
}

// parsedPayload adapts the extractor result to the translator's payload.
func parsedPayload(r *extract.Result) *translate.ParsedPayload {
	return &translate.ParsedPayload{
		Summary:       r.Summary,
		Sections:      r.Sections,
		DocumentIndex: r.DocumentIndex,
		Abbreviations: r.Abbreviations,
	}
}
