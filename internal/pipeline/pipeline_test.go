package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/redact"
	"github.com/edbinder/binder/internal/store"
)

const (
	testIEP    = "iep1"
	testChild  = "child1"
	testUser   = "user1"
	testBucket = "uploads"
	testKey    = "user1/child1/iep1/scan.pdf"
)

func newTestService(t *testing.T) *store.Service {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenDB(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := store.Migrate(ctx, db, "iep_documents", "user_profiles"); err != nil {
		t.Fatal(err)
	}
	meta := store.NewMeta(db, "iep_documents", "user_profiles")
	blobs := store.NewBlobs(filepath.Join(dir, "blobs"))
	return store.NewService(meta, blobs, "content-bucket", nil)
}

func seedUpload(t *testing.T, svc *store.Service, key string) {
	t.Helper()
	ctx := context.Background()
	if err := svc.PutObject(testBucket, key, []byte("%PDF-1.4 fake scan")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateDocument(ctx, testIEP, testChild, testUser, testBucket+"/"+key); err != nil {
		t.Fatal(err)
	}
}

func testParams() Params {
	return Params{IEPID: testIEP, ChildID: testChild, UserID: testUser, Bucket: testBucket, Key: testKey}
}

// newTestEngine builds a scheduler with one worker of each kind, all
// backed by mocks.
func newTestEngine(t *testing.T, ctx context.Context, llm *providers.MockClient) *jobs.Scheduler {
	t.Helper()
	s := jobs.NewScheduler(jobs.SchedulerConfig{})

	llmWorker, err := jobs.NewWorker(jobs.WorkerConfig{LLMClient: llm})
	if err != nil {
		t.Fatal(err)
	}
	ocrWorker, err := jobs.NewWorker(jobs.WorkerConfig{OCRProvider: &providers.MockOCRProvider{
		Pages: []string{"IEP for student. Goals: improve reading fluency. Meeting notes: Team met on 2024-03-01."},
	}})
	if err != nil {
		t.Fatal(err)
	}
	redactor := redact.New(&providers.MockDetector{}, []string{"NAME", "DATE_TIME"}, nil)
	detectWorker, err := jobs.NewWorker(jobs.WorkerConfig{Redactor: redactor})
	if err != nil {
		t.Fatal(err)
	}

	s.RegisterWorker(llmWorker)
	s.RegisterWorker(ocrWorker)
	s.RegisterWorker(detectWorker)
	s.Start(ctx)
	return s
}

func waitForJob(t *testing.T, s *jobs.Scheduler, job *Job) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if job.Done() && s.ActiveJobs() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pipeline did not finish in time")
}

func extractionArgs(t *testing.T) string {
	t.Helper()
	args, err := json.Marshal(map[string]any{
		"summary": "An IEP summary.",
		"sections": []map[string]any{
			{"title": "Goals", "content": "Improve reading fluency.", "page_numbers": []int{1}},
		},
		"document_index": "- Goals: page 1",
		"abbreviations": []map[string]string{
			{"abbreviation": "IEP", "full_form": "Individualized Education Program"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(args)
}

func spanishParsedArgs(t *testing.T) string {
	t.Helper()
	args, err := json.Marshal(map[string]any{
		"summary": "Un resumen del IEP.",
		"sections": []map[string]any{
			{"title": "Goals", "content": "Mejorar la fluidez lectora.", "page_numbers": []int{1}},
		},
		"document_index": "- Metas: página 1",
		"abbreviations": []map[string]string{
			{"abbreviation": "IEP", "full_form": "Programa de Educación Individualizada"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(args)
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := newTestService(t)
	seedUpload(t, svc, testKey)
	if err := svc.PutUserPrefs(ctx, testUser, store.UserPrefs{
		Languages: []string{"en", "es"}, DefaultLanguage: "en",
	}); err != nil {
		t.Fatal(err)
	}

	// One LLM worker at concurrency 1 drains the script in submission
	// order: extract, notes, review, then the Spanish fan-out.
	llm := providers.NewMockClient("")
	llm.ScriptToolCall("e1", "submit_iep_extraction", extractionArgs(t))
	llm.ScriptText(`{"meeting_notes": "Team met on 2024-03-01."}`)
	llm.ScriptText(`[{"description": "Goals lack baselines.", "category": "goals"}]`)
	llm.ScriptToolCall("t1", "submit_translation", spanishParsedArgs(t))
	llm.ScriptToolCall("t2", "submit_translation", `{"meeting_notes": "El equipo se reunió el 2024-03-01."}`)
	llm.ScriptText(`[{"description": "Las metas carecen de niveles iniciales."}]`)

	s := newTestEngine(t, ctx, llm)
	job := NewJob(Config{Store: svc}, testParams())
	if err := s.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}
	waitForJob(t, s, job)

	rec, content, err := svc.GetDocumentWithContent(ctx, testIEP, testChild)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusProcessed || rec.Progress != 100 || rec.CurrentStep != "done" {
		t.Fatalf("record not finalized: status=%s progress=%d step=%s",
			rec.Status, rec.Progress, rec.CurrentStep)
	}
	if rec.ContentRef == nil {
		t.Fatal("content not promoted to blob")
	}

	if content.Summaries["en"] != "An IEP summary." || content.Summaries["es"] != "Un resumen del IEP." {
		t.Errorf("summaries wrong: %+v", content.Summaries)
	}
	if len(content.Sections["en"]) != 9 || len(content.Sections["es"]) != 9 {
		t.Fatalf("expected 9 sections per language, got en=%d es=%d",
			len(content.Sections["en"]), len(content.Sections["es"]))
	}
	for i, sec := range content.Sections["es"] {
		if sec.Title != content.Sections["en"][i].Title {
			t.Errorf("section %d: translated title %q differs from canonical %q",
				i, sec.Title, content.Sections["en"][i].Title)
		}
	}
	if !strings.Contains(content.MeetingNotes["es"], "reunió") {
		t.Errorf("meeting notes not translated: %q", content.MeetingNotes["es"])
	}
	if len(rec.MissingInfo["en"]) != 1 || len(rec.MissingInfo["es"]) != 1 {
		t.Errorf("missing info slices wrong: %+v", rec.MissingInfo)
	}
	if rec.MissingInfo["es"][0].Category != "goals" {
		t.Errorf("translated missing-info must keep source category: %+v", rec.MissingInfo["es"][0])
	}

	// The original upload is deleted once redaction is persisted.
	if _, err := svc.GetObject(testBucket, testKey); err == nil {
		t.Error("original upload still present after processing")
	}

	if llm.RequestCount() != 6 {
		t.Errorf("expected 6 llm calls, got %d", llm.RequestCount())
	}
}

func TestPipelineValidationFailureIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := newTestService(t)
	seedUpload(t, svc, testKey)

	llm := providers.NewMockClient("")
	llm.ScriptToolCall("e1", "submit_iep_extraction", extractionArgs(t))
	llm.ScriptText("I could not find any meeting notes, sorry!")
	llm.ScriptText(`[]`)

	s := newTestEngine(t, ctx, llm)
	job := NewJob(Config{Store: svc}, testParams())
	if err := s.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}
	waitForJob(t, s, job)

	rec, err := svc.GetDocument(ctx, testIEP, testChild)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", rec.Status)
	}
	if rec.Progress != 0 {
		t.Errorf("failure must reset progress, got %d", rec.Progress)
	}
	if rec.FailedStep != "extract_meeting_notes" {
		t.Errorf("unexpected failed step %q", rec.FailedStep)
	}
	if rec.LastError == "" {
		t.Error("last_error not recorded")
	}
	if rec.ContentRef != nil {
		t.Error("failed record must not be promoted")
	}
}

func TestStepTimeoutFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedUpload(t, svc, testKey)

	job := NewJob(Config{Store: svc}, testParams())
	unit := jobs.WorkUnit{Type: jobs.WorkUnitTypeLLM}
	tag := &unitTag{step: stepNotes, unit: &unit}

	units, err := job.OnComplete(ctx, jobs.WorkResult{
		Payload: tag,
		Error:   fmt.Errorf("llm call exceeded 2m0s timeout: %w", context.DeadlineExceeded),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Fatalf("timeout must not be retried, got %d follow-up units", len(units))
	}
	if !job.Done() {
		t.Error("job still running after step timeout")
	}

	rec, err := svc.GetDocument(ctx, testIEP, testChild)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", rec.Status)
	}
	if rec.FailedStep != "extract_meeting_notes" {
		t.Errorf("unexpected failed step %q", rec.FailedStep)
	}
}

func TestPipelineReviewFailureIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := newTestService(t)
	seedUpload(t, svc, testKey)

	llm := providers.NewMockClient("")
	llm.ScriptToolCall("e1", "submit_iep_extraction", extractionArgs(t))
	llm.ScriptText(`{"meeting_notes": ""}`)
	llm.ScriptText("the reviewer rambled instead of emitting JSON")

	s := newTestEngine(t, ctx, llm)
	job := NewJob(Config{Store: svc}, testParams())
	if err := s.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}
	waitForJob(t, s, job)

	rec, err := svc.GetDocument(ctx, testIEP, testChild)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusProcessed {
		t.Fatalf("expected PROCESSED despite review failure, got %s (step %s, err %s)",
			rec.Status, rec.FailedStep, rec.LastError)
	}
	if items, ok := rec.MissingInfo["en"]; !ok || len(items) != 0 {
		t.Errorf("expected empty missing-info list, got %+v", rec.MissingInfo)
	}
	// Empty meeting notes: no notes translation, and English-only user
	// means no fan-out at all.
	if llm.RequestCount() != 3 {
		t.Errorf("expected 3 llm calls, got %d", llm.RequestCount())
	}
}

func TestStartResumesFromRedactedArtifact(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedUpload(t, svc, testKey)

	doc := &providers.OCRDocument{Pages: []providers.OCRPage{{Index: 0, Markdown: "redacted text"}}}
	raw, _ := json.Marshal(doc)
	if err := svc.SaveOCRData(ctx, testUser, testIEP, testChild, store.OCRDataRedacted, raw); err != nil {
		t.Fatal(err)
	}

	job := NewJob(Config{Store: svc}, testParams())
	job.SetRecordID("resume-test")
	units, err := job.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 english units, got %d", len(units))
	}
	for _, u := range units {
		if u.Type != jobs.WorkUnitTypeLLM {
			t.Errorf("expected llm unit, got %s", u.Type)
		}
	}
}

func TestStartSkipsCompletedEnglishBranches(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedUpload(t, svc, testKey)

	doc := &providers.OCRDocument{Pages: []providers.OCRPage{{Index: 0, Markdown: "redacted text"}}}
	raw, _ := json.Marshal(doc)
	if err := svc.SaveOCRData(ctx, testUser, testIEP, testChild, store.OCRDataRedacted, raw); err != nil {
		t.Fatal(err)
	}

	fields, err := encodeFields(map[string]any{
		"meetingNotes.en": "saved notes",
		"missingInfo.en":  []store.MissingInfoItem{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SaveAPIFields(ctx, testUser, testIEP, testChild, fields); err != nil {
		t.Fatal(err)
	}

	job := NewJob(Config{Store: svc}, testParams())
	job.SetRecordID("resume-test")
	units, err := job.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 {
		t.Fatalf("expected only the extract unit, got %d", len(units))
	}
	if job.meetingNotes != "saved notes" {
		t.Errorf("saved notes not restored: %q", job.meetingNotes)
	}
}

func TestFetchSourceDecodesKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	encoded := "user1/child1/iep1/my+scan.pdf"
	if err := svc.PutObject(testBucket, "user1/child1/iep1/my scan.pdf", []byte("%PDF-1.4")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateDocument(ctx, testIEP, testChild, testUser, testBucket+"/"+encoded); err != nil {
		t.Fatal(err)
	}

	params := testParams()
	params.Key = encoded
	job := NewJob(Config{Store: svc}, params)
	job.SetRecordID("decode-test")

	units, err := job.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].Type != jobs.WorkUnitTypeOCR {
		t.Fatalf("expected one ocr unit, got %+v", units)
	}
}

func TestJobStatusCarriesDedupeKey(t *testing.T) {
	job := NewJob(Config{Store: nil}, testParams())
	status, err := job.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status["iep_key"] != testIEP+"/"+testChild {
		t.Errorf("unexpected iep_key %q", status["iep_key"])
	}
}

func TestFactoryRebuildsParams(t *testing.T) {
	factory := Factory(Config{})
	j, err := factory("rec1", map[string]any{
		"iep_id": testIEP, "child_id": testChild, "user_id": testUser,
		"s3_bucket": testBucket, "s3_key": testKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.ID() != "rec1" || j.Type() != JobType {
		t.Errorf("unexpected job identity: %s/%s", j.ID(), j.Type())
	}

	if _, err := factory("rec2", map[string]any{"iep_id": testIEP}); err == nil {
		t.Error("expected error for incomplete metadata")
	}
}
