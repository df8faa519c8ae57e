package redact

import (
	"context"
	"strings"
	"testing"

	"github.com/edbinder/binder/internal/providers"
)

// indexDetector reports each needle found in the text with its type.
type needle struct {
	text string
	typ  string
}

func detectorFor(needles ...needle) *providers.MockDetector {
	return &providers.MockDetector{
		Detect: func(text string) []providers.Entity {
			var out []providers.Entity
			for _, n := range needles {
				idx := strings.Index(text, n.text)
				if idx < 0 {
					continue
				}
				out = append(out, providers.Entity{
					Type:        n.typ,
					BeginOffset: idx,
					EndOffset:   idx + len(n.text),
				})
			}
			return out
		},
	}
}

func TestRedactReplacesDisallowedTypes(t *testing.T) {
	det := detectorFor(
		needle{"123 Main St", "ADDRESS"},
		needle{"555-1234", "PHONE"},
	)
	r := New(det, []string{"NAME", "DATE_TIME"}, nil)

	pages, stats, err := r.RedactPages(context.Background(),
		[]string{"Lives at 123 Main St, phone 555-1234."})
	if err != nil {
		t.Fatal(err)
	}
	want := "Lives at [ADDRESS], phone [PHONE]."
	if pages[0] != want {
		t.Errorf("got %q, want %q", pages[0], want)
	}
	if stats.RedactedEntities != 2 || stats.TotalEntities != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRedactKeepsAllowListedTypes(t *testing.T) {
	det := detectorFor(
		needle{"Jane Doe", "NAME"},
		needle{"2015-04-02", "DATE_TIME"},
		needle{"jane@example.com", "EMAIL"},
	)
	r := New(det, []string{"NAME", "DATE_TIME"}, nil)

	pages, stats, err := r.RedactPages(context.Background(),
		[]string{"Jane Doe, born 2015-04-02, contact jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	want := "Jane Doe, born 2015-04-02, contact [EMAIL]"
	if pages[0] != want {
		t.Errorf("got %q, want %q", pages[0], want)
	}
	if stats.TotalEntities != 3 || stats.RedactedEntities != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.EntityTypes["NAME"] != 1 || stats.EntityTypes["EMAIL"] != 1 {
		t.Errorf("entity type counts wrong: %+v", stats.EntityTypes)
	}
}

func TestRedactMultipleSpansOffsets(t *testing.T) {
	// Replacement markers change string length; spans must still land on
	// the original offsets.
	det := &providers.MockDetector{
		Detect: func(text string) []providers.Entity {
			return []providers.Entity{
				{Type: "SSN", BeginOffset: 0, EndOffset: 11},
				{Type: "PHONE", BeginOffset: 16, EndOffset: 24},
			}
		},
	}
	r := New(det, nil, nil)

	pages, _, err := r.RedactPages(context.Background(), []string{"123-45-6789 tel 555-0000 end"})
	if err != nil {
		t.Fatal(err)
	}
	if pages[0] != "[SSN] tel [PHONE] end" {
		t.Errorf("got %q", pages[0])
	}
}

func TestRedactEmptyPagesPassThrough(t *testing.T) {
	det := &providers.MockDetector{}
	r := New(det, nil, nil)

	pages, _, err := r.RedactPages(context.Background(), []string{"", "text", ""})
	if err != nil {
		t.Fatal(err)
	}
	if pages[0] != "" || pages[2] != "" {
		t.Error("empty pages must pass through")
	}
	if det.RequestCount() != 1 {
		t.Errorf("detector called for empty pages: %d calls", det.RequestCount())
	}
}

func TestRedactDocumentPreservesStructure(t *testing.T) {
	det := detectorFor(needle{"secret", "OTHER"})
	r := New(det, nil, nil)

	doc := &providers.OCRDocument{
		Pages: []providers.OCRPage{
			{Index: 0, Markdown: "a secret here"},
			{Index: 1, Markdown: "clean page"},
		},
	}
	out, _, err := r.RedactDocument(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Pages) != 2 || out.Pages[0].Index != 0 || out.Pages[1].Index != 1 {
		t.Errorf("page structure changed: %+v", out.Pages)
	}
	if out.Pages[0].Markdown != "a [OTHER] here" {
		t.Errorf("got %q", out.Pages[0].Markdown)
	}
	if doc.Pages[0].Markdown != "a secret here" {
		t.Error("input document mutated")
	}
}

func TestRedactPropagatesDetectorError(t *testing.T) {
	det := &providers.MockDetector{ShouldFail: true}
	r := New(det, nil, nil)
	if _, _, err := r.RedactPages(context.Background(), []string{"text"}); err == nil {
		t.Error("expected error from failing detector")
	}
}
