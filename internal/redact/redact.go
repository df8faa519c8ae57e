// Package redact removes PII from OCR output before any text reaches an
// LLM. Detection is delegated to an external entity-detection service;
// this package owns the allow-list and the substring replacement.
package redact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edbinder/binder/internal/providers"
)

// maxParallelPages bounds concurrent detection calls per document.
const maxParallelPages = 8

// Stats aggregates what happened during one document redaction. Logged
// only; nothing downstream depends on it.
type Stats struct {
	TotalEntities         int            `json:"total_entities"`
	RedactedEntities      int            `json:"redacted_entities"`
	EntityTypes           map[string]int `json:"entity_types"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
}

// Redactor replaces detected entities that are not allow-listed with
// [<TYPE>] markers.
type Redactor struct {
	detector providers.EntityDetector
	allowed  map[string]bool
	logger   *slog.Logger
}

// New creates a redactor. Entities whose type appears in allowedTypes
// (e.g. NAME, DATE_TIME) are kept; everything else detected is redacted.
func New(detector providers.EntityDetector, allowedTypes []string, logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &Redactor{detector: detector, allowed: allowed, logger: logger}
}

// RedactDocument redacts every page of an OCR document, preserving the
// page structure. Empty pages pass through unchanged.
func (r *Redactor) RedactDocument(ctx context.Context, doc *providers.OCRDocument) (*providers.OCRDocument, *Stats, error) {
	pages := make([]string, len(doc.Pages))
	for i, p := range doc.Pages {
		pages[i] = p.Markdown
	}

	redacted, stats, err := r.RedactPages(ctx, pages)
	if err != nil {
		return nil, nil, err
	}

	out := &providers.OCRDocument{
		Model:          doc.Model,
		PagesProcessed: doc.PagesProcessed,
		Pages:          make([]providers.OCRPage, len(doc.Pages)),
	}
	for i, p := range doc.Pages {
		out.Pages[i] = providers.OCRPage{Index: p.Index, Markdown: redacted[i]}
	}
	return out, stats, nil
}

// RedactPages redacts a list of page texts with bounded parallelism.
func (r *Redactor) RedactPages(ctx context.Context, pages []string) ([]string, *Stats, error) {
	start := time.Now()
	out := make([]string, len(pages))

	var mu sync.Mutex
	stats := &Stats{EntityTypes: make(map[string]int)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPages)

	for i, page := range pages {
		if page == "" {
			out[i] = ""
			continue
		}
		g.Go(func() error {
			entities, err := r.detector.DetectEntities(gctx, page, "en")
			if err != nil {
				return fmt.Errorf("detection failed on page %d: %w", i, err)
			}

			redacted, applied := r.apply(page, entities)
			out[i] = redacted

			mu.Lock()
			stats.TotalEntities += len(entities)
			stats.RedactedEntities += applied
			for _, e := range entities {
				stats.EntityTypes[e.Type]++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	stats.ProcessingTimeSeconds = time.Since(start).Seconds()
	r.logger.Info("redaction complete",
		"pages", len(pages),
		"total_entities", stats.TotalEntities,
		"redacted_entities", stats.RedactedEntities,
		"duration_s", stats.ProcessingTimeSeconds)
	return out, stats, nil
}

// apply replaces non-allowed entity spans with [<TYPE>]. Replacements run
// in descending offset order so earlier spans keep their positions.
func (r *Redactor) apply(text string, entities []providers.Entity) (string, int) {
	spans := make([]providers.Entity, 0, len(entities))
	for _, e := range entities {
		if r.allowed[e.Type] {
			continue
		}
		spans = append(spans, e)
	}
	sort.Slice(spans, func(a, b int) bool {
		return spans[a].BeginOffset > spans[b].BeginOffset
	})

	applied := 0
	for _, e := range spans {
		begin, end := e.BeginOffset, e.EndOffset
		if begin < 0 || end > len(text) || begin >= end {
			continue
		}
		text = text[:begin] + "[" + e.Type + "]" + text[end:]
		applied++
	}
	return text, applied
}
