package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/pipeline"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/store"
)

const testBucket = "uploads"

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

// newTestHandler wires a handler to a scheduler whose workers are never
// started, so submitted executions stay active with their first unit
// queued.
func newTestHandler(t *testing.T) (*Handler, *store.Service, *jobs.Scheduler) {
	t.Helper()
	svc := newTestService(t)

	s := jobs.NewScheduler(jobs.SchedulerConfig{})
	ocrWorker, err := jobs.NewWorker(jobs.WorkerConfig{OCRProvider: &providers.MockOCRProvider{
		Pages: []string{"IEP document text."},
	}})
	if err != nil {
		t.Fatal(err)
	}
	s.RegisterWorker(ocrWorker)

	h := NewHandler(svc, s, pipeline.Config{Store: svc}, nil)
	return h, svc, s
}

// minimalPDF builds a one-page PDF with a correct cross-reference table.
func minimalPDF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, 3)
	writeObj := func(n int, body string) {
		offsets[n-1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, body)
	}
	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")

	xref := buf.Len()
	buf.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

func envelope(bucket, key string) []byte {
	return []byte(fmt.Sprintf(
		`{"Records":[{"s3":{"bucket":{"name":%q},"object":{"key":%q}}}]}`, bucket, key))
}

func TestHandleEventStartsExecution(t *testing.T) {
	ctx := context.Background()
	h, svc, s := newTestHandler(t)

	if err := svc.PutObject(testBucket, "user1/child1/iep1/scan.pdf", minimalPDF(t)); err != nil {
		t.Fatal(err)
	}

	names, err := h.HandleEvent(ctx, envelope(testBucket, "user1/child1/iep1/scan.pdf"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(names))
	}
	if !strings.HasPrefix(names[0], "iep-iep1-") {
		t.Errorf("execution name %q missing iep-iep1- prefix", names[0])
	}
	if got := len(strings.TrimPrefix(names[0], "iep-iep1-")); got != 8 {
		t.Errorf("correlation suffix length = %d, want 8", got)
	}

	rec, err := svc.GetDocument(ctx, "iep1", "child1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if rec.Status != store.StatusProcessing {
		t.Errorf("status = %q, want %q", rec.Status, store.StatusProcessing)
	}
	if rec.Progress != 5 || rec.CurrentStep != "start" {
		t.Errorf("progress/step = %d/%q, want 5/start", rec.Progress, rec.CurrentStep)
	}
	if rec.DocumentURL != "s3://uploads/user1/child1/iep1/scan.pdf" {
		t.Errorf("unexpected document URL %q", rec.DocumentURL)
	}
	if s.ActiveJobs() != 1 {
		t.Errorf("active jobs = %d, want 1", s.ActiveJobs())
	}
}

func TestHandleEventDecodesEncodedKey(t *testing.T) {
	ctx := context.Background()
	h, svc, _ := newTestHandler(t)

	// Stored under the decoded key; the event carries the encoded form.
	if err := svc.PutObject(testBucket, "user1/child1/iep1/my scan.pdf", minimalPDF(t)); err != nil {
		t.Fatal(err)
	}

	names, err := h.HandleEvent(ctx, envelope(testBucket, "user1/child1/iep1/my+scan.pdf"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(names))
	}

	rec, err := svc.GetDocument(ctx, "iep1", "child1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if rec.UserID != "user1" {
		t.Errorf("user = %q, want user1", rec.UserID)
	}
}

func TestHandleEventRejectsBadEnvelopes(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)

	if _, err := h.HandleEvent(ctx, []byte("not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := h.HandleEvent(ctx, []byte(`{"Records":[]}`)); err == nil {
		t.Error("expected error for empty record list")
	}
	if _, err := h.HandleEvent(ctx, []byte(`{"Records":[{"s3":{"bucket":{"name":""},"object":{"key":"a/b/c/d.pdf"}}}]}`)); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestSplitKeyPathConvention(t *testing.T) {
	userID, childID, iepID, err := splitKey("user1/child1/iep1/scan.pdf")
	if err != nil {
		t.Fatalf("splitKey: %v", err)
	}
	if userID != "user1" || childID != "child1" || iepID != "iep1" {
		t.Errorf("got (%s, %s, %s)", userID, childID, iepID)
	}

	for _, key := range []string{
		"scan.pdf",
		"user1/child1/scan.pdf",
		"user1/child1/iep1/extra/scan.pdf",
		"user1//iep1/scan.pdf",
	} {
		if _, _, _, err := splitKey(key); err == nil {
			t.Errorf("splitKey(%q) succeeded, want error", key)
		}
	}
}

func TestProcessRejectsSecondExecution(t *testing.T) {
	ctx := context.Background()
	h, svc, _ := newTestHandler(t)

	if err := svc.PutObject(testBucket, "user1/child1/iep1/scan.pdf", minimalPDF(t)); err != nil {
		t.Fatal(err)
	}
	req := Request{
		IEPID: "iep1", ChildID: "child1", UserID: "user1",
		Bucket: testBucket, Key: "user1/child1/iep1/scan.pdf",
	}

	if _, err := h.Process(ctx, req); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	_, err := h.Process(ctx, req)
	if !errors.Is(err, ErrExecutionActive) {
		t.Fatalf("second Process error = %v, want ErrExecutionActive", err)
	}
}

func TestProcessRejectsUnreadablePDF(t *testing.T) {
	ctx := context.Background()
	h, svc, _ := newTestHandler(t)

	if err := svc.PutObject(testBucket, "user1/child1/iep1/scan.pdf", []byte("plain text")); err != nil {
		t.Fatal(err)
	}
	req := Request{
		IEPID: "iep1", ChildID: "child1", UserID: "user1",
		Bucket: testBucket, Key: "user1/child1/iep1/scan.pdf",
	}

	if _, err := h.Process(ctx, req); err == nil {
		t.Fatal("expected error for unreadable PDF")
	}
	// Validation failures must not leave a record behind.
	if _, err := svc.GetDocument(ctx, "iep1", "child1"); err == nil {
		t.Error("record created for rejected upload")
	}
}

func TestProcessRequiresIdentifiers(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)

	cases := []Request{
		{ChildID: "c", UserID: "u", Bucket: "b", Key: "k"},
		{IEPID: "i", UserID: "u", Bucket: "b", Key: "k"},
		{IEPID: "i", ChildID: "c", Bucket: "b", Key: "k"},
		{IEPID: "i", ChildID: "c", UserID: "u", Key: "k"},
		{IEPID: "i", ChildID: "c", UserID: "u", Bucket: "b"},
	}
	for i, req := range cases {
		if _, err := h.Process(ctx, req); err == nil {
			t.Errorf("case %d: expected error for incomplete request", i)
		}
	}
}
