package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Request is the operation envelope accepted by Handle.
type Request struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

// Response is the envelope returned by Handle. Callers treat non-200 as
// fatal for the step unless explicitly tolerated.
type Response struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

type docParams struct {
	IEPID   string `json:"iepId"`
	ChildID string `json:"childId"`
	UserID  string `json:"userId"`
}

type createParams struct {
	docParams
	DocumentURL string `json:"documentUrl"`
}

type progressParams struct {
	docParams
	Progress     int    `json:"progress"`
	CurrentStep  string `json:"current_step"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	LastError    string `json:"last_error"`
}

type prefsParams struct {
	UserID string `json:"userId"`
}

type ocrParams struct {
	docParams
	OCRData  json.RawMessage `json:"ocr_data"`
	DataType string          `json:"data_type"`
}

type contentParams struct {
	docParams
	Content *Content `json:"content"`
}

type fieldsParams struct {
	docParams
	Fields map[string]json.RawMessage `json:"fields"`
}

type appendParams struct {
	docParams
	Path  string            `json:"path"`
	Items []json.RawMessage `json:"items"`
}

type failureParams struct {
	docParams
	ErrorMessage string `json:"error_message"`
	FailedStep   string `json:"failed_step"`
}

// mutatingOps are the operations that change a record or its content and
// therefore must carry the caller's userId for the ownership check.
var mutatingOps = map[string]bool{
	"create_document":        true,
	"update_progress":        true,
	"save_ocr_data":          true,
	"save_content_to_s3":     true,
	"delete_content_from_s3": true,
	"save_api_fields":        true,
	"append_to_list_field":   true,
	"record_failure":         true,
}

// Handle dispatches an operation envelope. Unknown operations return 400,
// missing records 404, ownership violations 403. The envelope is the
// external boundary: mutating operations without a userId are refused
// here, while the typed methods stay open to trusted in-process callers.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	if mutatingOps[req.Operation] {
		var p docParams
		if err := unmarshalParams(req.Params, &p); err == nil && p.UserID == "" {
			return fail(http.StatusBadRequest, fmt.Errorf("userId is required for %s", req.Operation))
		}
	}

	switch req.Operation {
	case "create_document":
		var p createParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		rec, err := s.CreateDocument(ctx, p.IEPID, p.ChildID, p.UserID, p.DocumentURL)
		if err != nil {
			return failErr(err)
		}
		return ok(rec)

	case "update_progress":
		var p progressParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		lastError := p.LastError
		if lastError == "" {
			lastError = p.ErrorMessage
		}
		err := s.UpdateProgress(ctx, p.UserID, ProgressUpdate{
			IEPID:       p.IEPID,
			ChildID:     p.ChildID,
			Progress:    p.Progress,
			CurrentStep: p.CurrentStep,
			Status:      p.Status,
			LastError:   lastError,
		})
		if err != nil {
			return failErr(err)
		}
		return okEmpty()

	case "get_user_prefs":
		var p prefsParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		prefs, err := s.GetUserPrefs(ctx, p.UserID)
		if err != nil {
			return failErr(err)
		}
		return ok(prefs)

	case "get_document":
		var p docParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		rec, err := s.GetDocument(ctx, p.IEPID, p.ChildID)
		if err != nil {
			return failErr(err)
		}
		return ok(rec)

	case "get_document_with_content":
		var p docParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		rec, content, err := s.GetDocumentWithContent(ctx, p.IEPID, p.ChildID)
		if err != nil {
			return failErr(err)
		}
		return ok(mergedDocument(rec, content))

	case "save_ocr_data":
		var p ocrParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		if err := s.SaveOCRData(ctx, p.UserID, p.IEPID, p.ChildID, p.DataType, p.OCRData); err != nil {
			return failErr(err)
		}
		return okEmpty()

	case "get_ocr_data":
		var p ocrParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		data, err := s.GetOCRData(ctx, p.IEPID, p.ChildID, p.DataType)
		if err != nil {
			return failErr(err)
		}
		return Response{StatusCode: http.StatusOK, Body: data}

	case "save_content_to_s3":
		var p contentParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		if p.Content == nil {
			return fail(http.StatusBadRequest, fmt.Errorf("content is required"))
		}
		if err := s.SaveContentToS3(ctx, p.UserID, p.IEPID, p.ChildID, p.Content); err != nil {
			return failErr(err)
		}
		return okEmpty()

	case "delete_content_from_s3":
		var p docParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		if err := s.DeleteContentFromS3(ctx, p.UserID, p.IEPID, p.ChildID); err != nil {
			return failErr(err)
		}
		return okEmpty()

	case "save_api_fields":
		var p fieldsParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		if len(p.Fields) == 0 {
			return fail(http.StatusBadRequest, fmt.Errorf("fields are required"))
		}
		if err := s.SaveAPIFields(ctx, p.UserID, p.IEPID, p.ChildID, p.Fields); err != nil {
			return failErr(err)
		}
		return okEmpty()

	case "append_to_list_field":
		var p appendParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		if err := s.AppendToListField(ctx, p.UserID, p.IEPID, p.ChildID, p.Path, p.Items); err != nil {
			return failErr(err)
		}
		return okEmpty()

	case "record_failure":
		var p failureParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return fail(http.StatusBadRequest, err)
		}
		if err := s.RecordFailure(ctx, p.UserID, p.IEPID, p.ChildID, p.ErrorMessage, p.FailedStep); err != nil {
			return failErr(err)
		}
		return okEmpty()

	default:
		return fail(http.StatusBadRequest, fmt.Errorf("unknown operation %q", req.Operation))
	}
}

// mergedDocument flattens a record and its resolved content for the
// get_document_with_content response.
func mergedDocument(rec *Record, content *Content) map[string]any {
	merged := map[string]any{
		"iepId":        rec.IEPID,
		"childId":      rec.ChildID,
		"userId":       rec.UserID,
		"status":       rec.Status,
		"current_step": rec.CurrentStep,
		"progress":     rec.Progress,
		"createdAt":    rec.CreatedAt,
		"updatedAt":    rec.UpdatedAt,
	}
	if rec.LastError != "" {
		merged["last_error"] = rec.LastError
	}
	if rec.FailedStep != "" {
		merged["failed_step"] = rec.FailedStep
	}
	if rec.DocumentURL != "" {
		merged["documentUrl"] = rec.DocumentURL
	}
	if rec.ContentRef != nil {
		merged["contentS3Reference"] = rec.ContentRef
	}
	if len(rec.MissingInfo) > 0 {
		merged["missingInfo"] = rec.MissingInfo
	}
	if content != nil {
		if len(content.Summaries) > 0 {
			merged["summaries"] = content.Summaries
		}
		if len(content.Sections) > 0 {
			merged["sections"] = content.Sections
		}
		if len(content.DocumentIndex) > 0 {
			merged["document_index"] = content.DocumentIndex
		}
		if len(content.Abbreviations) > 0 {
			merged["abbreviations"] = content.Abbreviations
		}
		if len(content.MeetingNotes) > 0 {
			merged["meetingNotes"] = content.MeetingNotes
		}
	}
	return merged
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("params are required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func ok(v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return fail(http.StatusInternalServerError, err)
	}
	return Response{StatusCode: http.StatusOK, Body: body}
}

func okEmpty() Response {
	return Response{StatusCode: http.StatusOK, Body: json.RawMessage(`{}`)}
}

func fail(status int, err error) Response {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Response{StatusCode: status, Body: body}
}

func failErr(err error) Response {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBlobNotFound):
		return fail(http.StatusNotFound, err)
	case errors.Is(err, ErrOwnership):
		return fail(http.StatusForbidden, err)
	default:
		return fail(http.StatusInternalServerError, err)
	}
}
