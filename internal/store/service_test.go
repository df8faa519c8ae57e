package store

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()

	db, err := OpenDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(context.Background(), db, "iep_documents", "user_profiles"); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	meta := NewMeta(db, "iep_documents", "user_profiles")
	blobs := NewBlobs(filepath.Join(dir, "blobs"))
	return NewService(meta, blobs, "test-bucket", nil)
}

func mustCreate(t *testing.T, s *Service) *Record {
	t.Helper()
	rec, err := s.CreateDocument(context.Background(), "iep1", "child1", "user1", "uploads/user1/child1/iep1/doc.pdf")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return rec
}

func TestCreateDocument(t *testing.T) {
	s := newTestService(t)
	rec := mustCreate(t, s)

	if rec.Status != StatusProcessing {
		t.Errorf("expected PROCESSING, got %s", rec.Status)
	}
	if rec.Progress != 5 {
		t.Errorf("expected progress 5, got %d", rec.Progress)
	}
	if rec.CurrentStep != "start" {
		t.Errorf("expected step start, got %q", rec.CurrentStep)
	}
	if rec.CreatedAt == "" || rec.CreatedAtMS == 0 {
		t.Error("expected both timestamp forms to be set")
	}
}

func TestCreateDocumentResetsForReprocessing(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	if err := s.RecordFailure(ctx, "", "iep1", "child1", "boom", "ocr"); err != nil {
		t.Fatal(err)
	}

	rec := mustCreate(t, s)
	if rec.Status != StatusProcessing || rec.Progress != 5 {
		t.Errorf("expected reset record, got %s/%d", rec.Status, rec.Progress)
	}
	if rec.LastError != "" || rec.FailedStep != "" {
		t.Errorf("expected error fields cleared, got %q/%q", rec.LastError, rec.FailedStep)
	}
}

func TestUpdateProgressMonotonic(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	if err := s.UpdateProgress(ctx, "", ProgressUpdate{
		IEPID: "iep1", ChildID: "child1", Progress: 25, CurrentStep: "redacted",
	}); err != nil {
		t.Fatal(err)
	}

	// A stale writer reporting a lower value must not move progress back.
	if err := s.UpdateProgress(ctx, "", ProgressUpdate{
		IEPID: "iep1", ChildID: "child1", Progress: 15, CurrentStep: "ocr_done",
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetDocument(ctx, "iep1", "child1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Progress != 25 {
		t.Errorf("progress regressed: got %d, want 25", rec.Progress)
	}
	if rec.CurrentStep != "ocr_done" {
		t.Errorf("step not updated: got %q", rec.CurrentStep)
	}
}

func TestUpdateProgressStatusTransition(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	if err := s.UpdateProgress(ctx, "", ProgressUpdate{
		IEPID: "iep1", ChildID: "child1", Progress: 70,
		CurrentStep: "english_saved", Status: StatusProcessingTranslations,
	}); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetDocument(ctx, "iep1", "child1")
	if rec.Status != StatusProcessingTranslations {
		t.Errorf("expected PROCESSING_TRANSLATIONS, got %s", rec.Status)
	}
}

func TestRecordFailure(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	if err := s.UpdateProgress(ctx, "", ProgressUpdate{
		IEPID: "iep1", ChildID: "child1", Progress: 70, CurrentStep: "english_saved",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordFailure(ctx, "", "iep1", "child1", "translate blew up", "translate_es"); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetDocument(ctx, "iep1", "child1")
	if rec.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", rec.Status)
	}
	if rec.Progress != 0 {
		t.Errorf("expected progress reset to 0, got %d", rec.Progress)
	}
	if rec.LastError != "translate blew up" || rec.FailedStep != "translate_es" {
		t.Errorf("error fields not recorded: %q/%q", rec.LastError, rec.FailedStep)
	}
}

func TestOCRDataRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	doc := json.RawMessage(`{"pages":[{"index":0,"markdown":"hello"}]}`)
	if err := s.SaveOCRData(ctx, "", "iep1", "child1", OCRDataRaw, doc); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOCRData(ctx, "iep1", "child1", OCRDataRaw)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(doc) {
		t.Errorf("ocr data mismatch: %s", got)
	}

	// The redacted variant is a distinct attribute.
	if _, err := s.GetOCRData(ctx, "iep1", "child1", OCRDataRedacted); err == nil {
		t.Error("expected not-found for unset redacted artifact")
	}

	if err := s.SaveOCRData(ctx, "", "iep1", "child1", "bogus", doc); err == nil {
		t.Error("expected error for invalid data_type")
	}
}

func TestSaveContentPromotesToBlob(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	content := &Content{
		Summaries: map[string]string{"en": "summary"},
		Sections: map[string][]Section{
			"en": {{Title: "Goals", Content: "...", PageNumbers: []int{3}}},
		},
		DocumentIndex: map[string]string{"en": "index"},
	}
	if err := s.SaveContentToS3(ctx, "", "iep1", "child1", content); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetDocument(ctx, "iep1", "child1")
	if rec.ContentRef == nil {
		t.Fatal("expected content reference")
	}
	if rec.ContentRef.S3Key != "iep-data/iep1/child1/content.json" {
		t.Errorf("unexpected key %q", rec.ContentRef.S3Key)
	}
	if rec.IsLegacy() {
		t.Error("inline fields must be cleared after promotion")
	}

	data, err := s.GetObject("test-bucket", rec.ContentRef.S3Key)
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	var stored Content
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Summaries["en"] != "summary" {
		t.Errorf("blob content mismatch: %+v", stored)
	}
}

func TestLazyMigrationIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	// Build a legacy record via inline field writes.
	err := s.SaveAPIFields(ctx, "", "iep1", "child1", map[string]json.RawMessage{
		"summaries.en":      json.RawMessage(`"inline summary"`),
		"document_index.en": json.RawMessage(`"inline index"`),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetDocument(ctx, "iep1", "child1")
	if !rec.IsLegacy() {
		t.Fatal("expected legacy record before migration")
	}

	rec, content, err := s.GetDocumentWithContent(ctx, "iep1", "child1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ContentRef == nil {
		t.Fatal("migration did not record blob reference")
	}
	if rec.IsLegacy() {
		t.Error("inline fields survived migration")
	}
	if content.Summaries["en"] != "inline summary" {
		t.Errorf("merged content lost data: %+v", content)
	}

	// Second read returns identical content without further writes.
	_, again, err := s.GetDocumentWithContent(ctx, "iep1", "child1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(content, again) {
		t.Errorf("migration not idempotent: %+v vs %+v", content, again)
	}
}

func TestSaveAPIFieldsRoutesToBlobAfterPromotion(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	if err := s.SaveContentToS3(ctx, "", "iep1", "child1", &Content{
		Summaries: map[string]string{"en": "english"},
	}); err != nil {
		t.Fatal(err)
	}

	// A translation merge writes only its own language slice.
	err := s.SaveAPIFields(ctx, "", "iep1", "child1", map[string]json.RawMessage{
		"summaries.es": json.RawMessage(`"resumen"`),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, content, err := s.GetDocumentWithContent(ctx, "iep1", "child1")
	if err != nil {
		t.Fatal(err)
	}
	if content.Summaries["en"] != "english" || content.Summaries["es"] != "resumen" {
		t.Errorf("expected both language slices, got %+v", content.Summaries)
	}
}

func TestAppendToListField(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	items := []json.RawMessage{
		json.RawMessage(`{"description":"no baseline data","category":"goals"}`),
	}
	if err := s.AppendToListField(ctx, "", "iep1", "child1", "missingInfo.en", items); err != nil {
		t.Fatal(err)
	}
	more := []json.RawMessage{
		json.RawMessage(`{"description":"service minutes unspecified"}`),
	}
	if err := s.AppendToListField(ctx, "", "iep1", "child1", "missingInfo.en", more); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetDocument(ctx, "iep1", "child1")
	got := rec.MissingInfo["en"]
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0].Description != "no baseline data" || got[0].Category != "goals" {
		t.Errorf("unexpected first item: %+v", got[0])
	}
}

func TestOwnershipEnforced(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	err := s.UpdateProgress(ctx, "intruder", ProgressUpdate{
		IEPID: "iep1", ChildID: "child1", Progress: 50, CurrentStep: "x",
	})
	if err == nil {
		t.Fatal("expected ownership error")
	}

	resp := s.Handle(ctx, Request{
		Operation: "record_failure",
		Params:    json.RawMessage(`{"iepId":"iep1","childId":"child1","userId":"intruder","error_message":"x","failed_step":"y"}`),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	// The rightful owner passes.
	resp = s.Handle(ctx, Request{
		Operation: "update_progress",
		Params:    json.RawMessage(`{"iepId":"iep1","childId":"child1","userId":"user1","progress":15,"current_step":"ocr_done"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
}

func TestHandleRequiresUserIDForMutations(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	// An envelope without userId must not slip past the ownership check.
	for op, params := range map[string]string{
		"update_progress":        `{"iepId":"iep1","childId":"child1","progress":50,"current_step":"x"}`,
		"save_api_fields":        `{"iepId":"iep1","childId":"child1","fields":{"summaries.es":"\"hola\""}}`,
		"delete_content_from_s3": `{"iepId":"iep1","childId":"child1"}`,
		"record_failure":         `{"iepId":"iep1","childId":"child1","error_message":"x","failed_step":"y"}`,
	} {
		resp := s.Handle(ctx, Request{Operation: op, Params: json.RawMessage(params)})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s without userId: expected 400, got %d", op, resp.StatusCode)
		}
	}

	// Reads stay open without a userId.
	resp := s.Handle(ctx, Request{
		Operation: "get_document",
		Params:    json.RawMessage(`{"iepId":"iep1","childId":"child1"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get_document without userId: expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleEnvelopeErrors(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resp := s.Handle(ctx, Request{Operation: "no_such_op", Params: json.RawMessage(`{}`)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown op, got %d", resp.StatusCode)
	}

	resp = s.Handle(ctx, Request{
		Operation: "get_document",
		Params:    json.RawMessage(`{"iepId":"nope","childId":"nope"}`),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUserPrefsDefault(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	prefs, err := s.GetUserPrefs(ctx, "unknown-user")
	if err != nil {
		t.Fatal(err)
	}
	if len(prefs.Languages) != 1 || prefs.Languages[0] != "en" || prefs.DefaultLanguage != "en" {
		t.Errorf("expected english default, got %+v", prefs)
	}
}

func TestUserPrefsRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	want := UserPrefs{Languages: []string{"en", "es", "vi"}, DefaultLanguage: "es"}
	if err := s.meta.PutUserPrefs(ctx, "user9", want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetUserPrefs(ctx, "user9")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("prefs mismatch: got %+v", got)
	}
}

func TestDeleteContent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustCreate(t, s)

	if err := s.SaveContentToS3(ctx, "", "iep1", "child1", &Content{
		Summaries: map[string]string{"en": "x"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteContentFromS3(ctx, "", "iep1", "child1"); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetDocument(ctx, "iep1", "child1")
	if rec.ContentRef != nil {
		t.Error("content reference not cleared")
	}
	if _, err := s.GetObject("test-bucket", ContentKey("iep1", "child1")); err == nil {
		t.Error("blob not deleted")
	}
}
