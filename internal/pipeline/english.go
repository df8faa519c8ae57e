package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edbinder/binder/internal/extract"
	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

// startEnglish launches the three parallel English branches: structured
// extraction, meeting notes and the missing-info review. Branches whose
// results are already on the record (resume) are skipped.
func (j *Job) startEnglish(ctx context.Context, rec *store.Record) ([]jobs.WorkUnit, error) {
	prefs, err := j.cfg.Store.GetUserPrefs(ctx, j.params.UserID)
	if err != nil {
		j.cfg.Logger.Warn("failed to load user prefs, defaulting to English",
			"user_id", j.params.UserID, "error", err)
		prefs = store.DefaultUserPrefs()
	}
	j.targetLangs = targetLanguages(prefs.Languages)

	var units []jobs.WorkUnit

	if len(rec.Sections["en"]) > 0 {
		j.parsed = &extract.Result{
			Summary:       rec.Summaries["en"],
			Sections:      rec.Sections["en"],
			DocumentIndex: rec.DocumentIndex["en"],
			Abbreviations: rec.Abbreviations["en"],
		}
	} else {
		ag := extract.NewAgent("extract-"+j.recordID, j.doc)
		req, tools := ag.Next()
		if req == nil {
			j.fail(ctx, stepExtract, errors.New("extractor agent produced no request"))
			return nil, nil
		}
		tag := &unitTag{step: stepExtract, agent: ag}
		units = append(units, j.llmUnit(tag, req, tools))
		j.englishPending++
	}

	if notes, ok := rec.MeetingNotes["en"]; ok {
		j.meetingNotes = notes
	} else {
		tag := &unitTag{step: stepNotes}
		units = append(units, j.llmUnit(tag, extract.MeetingNotesRequest(j.doc), nil))
		j.englishPending++
	}

	if items, ok := rec.MissingInfo["en"]; ok {
		j.missingInfo = items
	} else {
		tag := &unitTag{step: stepReview}
		units = append(units, j.llmUnit(tag, extract.MissingInfoRequest(j.doc), nil))
		j.englishPending++
	}

	if j.englishPending == 0 {
		return j.advanceToTranslations(ctx)
	}
	return units, nil
}

func (j *Job) handleExtract(ctx context.Context, tag *unitTag, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	cr := result.ChatResult
	if cr == nil || !cr.Success {
		return j.retryOrFail(ctx, tag, chatError(cr))
	}

	if err := tag.agent.HandleResult(ctx, cr); err != nil {
		j.fail(ctx, stepExtract, err)
		return nil, nil
	}

	if !tag.agent.IsDone() {
		req, tools := tag.agent.Next()
		if req != nil {
			next := &unitTag{step: stepExtract, agent: tag.agent}
			return []jobs.WorkUnit{j.llmUnit(next, req, tools)}, nil
		}
	}

	ares := tag.agent.Result()
	if !ares.Success {
		j.fail(ctx, stepExtract, errors.New(ares.Error))
		return nil, nil
	}
	parsed, err := extract.FinalizeResult(ares.ToolResult)
	if err != nil {
		j.fail(ctx, stepExtract, err)
		return nil, nil
	}
	j.parsed = parsed

	fields, err := encodeFields(map[string]any{
		"summaries.en":      parsed.Summary,
		"sections.en":       parsed.Sections,
		"document_index.en": parsed.DocumentIndex,
		"abbreviations.en":  parsed.Abbreviations,
	})
	if err != nil {
		j.fail(ctx, stepExtract, err)
		return nil, nil
	}
	if err := j.cfg.Store.SaveAPIFields(ctx, j.params.UserID,
		j.params.IEPID, j.params.ChildID, fields); err != nil {
		j.fail(ctx, stepExtract, err)
		return nil, nil
	}

	j.cfg.Logger.Info("structured extraction complete",
		"iep_id", j.params.IEPID, "iterations", ares.Iterations)
	return j.englishBranchDone(ctx)
}

func (j *Job) handleNotes(ctx context.Context, tag *unitTag, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	cr := result.ChatResult
	if cr == nil || !cr.Success {
		return j.retryOrFail(ctx, tag, chatError(cr))
	}

	notes, err := extract.ParseMeetingNotes(cr.Content)
	if err != nil {
		j.fail(ctx, stepNotes, err)
		return nil, nil
	}
	j.meetingNotes = notes

	fields, err := encodeFields(map[string]any{"meetingNotes.en": notes})
	if err != nil {
		j.fail(ctx, stepNotes, err)
		return nil, nil
	}
	if err := j.cfg.Store.SaveAPIFields(ctx, j.params.UserID,
		j.params.IEPID, j.params.ChildID, fields); err != nil {
		j.fail(ctx, stepNotes, err)
		return nil, nil
	}
	return j.englishBranchDone(ctx)
}

func (j *Job) handleReview(ctx context.Context, tag *unitTag, result jobs.WorkResult) ([]jobs.WorkUnit, error) {
	cr := result.ChatResult
	if cr == nil || !cr.Success {
		return j.retryOrFail(ctx, tag, chatError(cr))
	}

	items, err := extract.ParseMissingInfo(cr.Content)
	if err != nil {
		// The review is advisory; a bad response never fails the run.
		j.cfg.Logger.Warn("missing-info review unparseable, continuing without it",
			"iep_id", j.params.IEPID, "error", err)
		items = []store.MissingInfoItem{}
	}
	j.missingInfo = items
	return j.saveReview(ctx)
}

// saveReview persists missingInfo.en and completes the review branch.
// Persistence errors here are logged, not fatal.
func (j *Job) saveReview(ctx context.Context) ([]jobs.WorkUnit, error) {
	if j.missingInfo == nil {
		j.missingInfo = []store.MissingInfoItem{}
	}
	fields, err := encodeFields(map[string]any{"missingInfo.en": j.missingInfo})
	if err == nil {
		err = j.cfg.Store.SaveAPIFields(ctx, j.params.UserID,
			j.params.IEPID, j.params.ChildID, fields)
	}
	if err != nil {
		j.cfg.Logger.Warn("failed to save missing-info review",
			"iep_id", j.params.IEPID, "error", err)
	}
	return j.englishBranchDone(ctx)
}

// englishBranchDone joins the three English branches; the last one through
// advances the pipeline to the translation stage.
func (j *Job) englishBranchDone(ctx context.Context) ([]jobs.WorkUnit, error) {
	j.englishPending--
	if j.englishPending > 0 {
		return nil, nil
	}
	return j.advanceToTranslations(ctx)
}

func (j *Job) advanceToTranslations(ctx context.Context) ([]jobs.WorkUnit, error) {
	if err := j.progress(ctx, stepEnglishSaved, progressEnglishSaved, store.StatusProcessingTranslations); err != nil {
		j.fail(ctx, stepEnglishSaved, err)
		return nil, nil
	}
	return j.startTranslations(ctx)
}

// targetLanguages is the user's language set minus English.
func targetLanguages(languages []string) []string {
	var out []string
	for _, lang := range languages {
		if lang != "" && lang != "en" {
			out = append(out, lang)
		}
	}
	return out
}

func chatError(cr *providers.ChatResult) error {
	if cr == nil {
		return errors.New("llm worker returned no result")
	}
	return fmt.Errorf("llm call failed: %s: %s", cr.ErrorType, cr.ErrorMessage)
}

// encodeFields marshals values for save_api_fields paths.
func encodeFields(values map[string]any) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(values))
	for path, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", path, err)
		}
		fields[path] = raw
	}
	return fields, nil
}
