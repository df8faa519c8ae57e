package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edbinder/binder/internal/providers"
)

// ExtractorTools implements agent.Tools for the structured extractor. All
// tools except submit_iep_extraction are read-only views over the redacted
// OCR document.
type ExtractorTools struct {
	doc *providers.OCRDocument

	pendingResult *Result
}

// NewTools creates the extractor tool set over a redacted OCR document.
func NewTools(doc *providers.OCRDocument) *ExtractorTools {
	return &ExtractorTools{doc: doc}
}

// GetTools returns the tool definitions for the LLM.
func (t *ExtractorTools) GetTools() []providers.Tool {
	return []providers.Tool{
		getAllOcrTextTool(),
		getOcrTextForPageTool(),
		getOcrTextForPagesTool(),
		getSectionInfoTool(),
		submitIepExtractionTool(),
	}
}

// ExecuteTool runs a tool and returns the result as JSON.
func (t *ExtractorTools) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "get_all_ocr_text":
		return t.getAllOcrText()
	case "get_ocr_text_for_page":
		pageNum, _ := args["page_number"].(float64)
		return t.getOcrTextForPage(int(pageNum))
	case "get_ocr_text_for_pages":
		return t.getOcrTextForPages(args["page_numbers"])
	case "get_section_info":
		sectionName, _ := args["section_name"].(string)
		return t.getSectionInfo(sectionName)
	case "submit_iep_extraction":
		return t.submitExtraction(args)
	default:
		return jsonError(fmt.Sprintf("Unknown tool: %s", name)), nil
	}
}

// IsComplete returns true once submit_iep_extraction has been accepted.
func (t *ExtractorTools) IsComplete() bool {
	return t.pendingResult != nil
}

// GetResult returns the final extraction result.
func (t *ExtractorTools) GetResult() any {
	return t.pendingResult
}

func (t *ExtractorTools) getAllOcrText() (string, error) {
	return jsonSuccess(map[string]any{
		"total_pages": len(t.doc.Pages),
		"text":        allOCRText(t.doc),
	}), nil
}

func (t *ExtractorTools) getOcrTextForPage(pageNum int) (string, error) {
	text, ok := pageText(t.doc, pageNum)
	if !ok {
		return jsonError(fmt.Sprintf("page %d out of range, document has %d pages", pageNum, len(t.doc.Pages))), nil
	}
	return jsonSuccess(map[string]any{
		"page_number": pageNum,
		"text":        text,
	}), nil
}

func (t *ExtractorTools) getOcrTextForPages(raw any) (string, error) {
	nums, ok := raw.([]any)
	if !ok || len(nums) == 0 {
		return jsonError("page_numbers must be a non-empty array of integers"), nil
	}

	pages := make([]map[string]any, 0, len(nums))
	for _, n := range nums {
		f, ok := n.(float64)
		if !ok {
			return jsonError("page_numbers must be a non-empty array of integers"), nil
		}
		pageNum := int(f)
		text, ok := pageText(t.doc, pageNum)
		if !ok {
			return jsonError(fmt.Sprintf("page %d out of range, document has %d pages", pageNum, len(t.doc.Pages))), nil
		}
		pages = append(pages, map[string]any{
			"page_number": pageNum,
			"text":        text,
		})
	}
	return jsonSuccess(map[string]any{"pages": pages}), nil
}

func (t *ExtractorTools) getSectionInfo(name string) (string, error) {
	canonical, info, err := sectionInfoFor(name)
	if err != nil {
		return jsonError(err.Error()), nil
	}
	return jsonSuccess(map[string]any{
		"section":     canonical,
		"description": info.Description,
		"guidance":    info.Guidance,
	}), nil
}

func (t *ExtractorTools) submitExtraction(args map[string]any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return jsonError(fmt.Sprintf("invalid submission: %v", err)), nil
	}

	// Reject out-of-shape submissions so the model can correct and
	// resubmit within its iteration budget.
	if err := providers.ValidateJSON(raw, extractionSchema); err != nil {
		return jsonError(fmt.Sprintf("submission rejected: %v", err)), nil
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return jsonError(fmt.Sprintf("submission does not match the expected shape: %v", err)), nil
	}

	normalized := Normalize(&result)
	t.pendingResult = normalized

	return jsonSuccess(map[string]any{
		"message":       "Extraction complete",
		"sections":      len(normalized.Sections),
		"abbreviations": len(normalized.Abbreviations),
	}), nil
}

// allOCRText concatenates all pages with "Page N:" markers.
func allOCRText(doc *providers.OCRDocument) string {
	parts := make([]string, 0, len(doc.Pages))
	for i, page := range doc.Pages {
		parts = append(parts, fmt.Sprintf("Page %d:\n%s", i+1, page.Text()))
	}
	return strings.Join(parts, "\n\n")
}

// pageText returns the text of a 1-based page number.
func pageText(doc *providers.OCRDocument, pageNum int) (string, bool) {
	if pageNum < 1 || pageNum > len(doc.Pages) {
		return "", false
	}
	return doc.Pages[pageNum-1].Text(), true
}

// Helper functions for JSON tool responses
func jsonSuccess(data map[string]any) string {
	data["success"] = true
	b, _ := json.MarshalIndent(data, "", "  ")
	return string(b)
}

func jsonError(msg string) string {
	b, _ := json.Marshal(map[string]any{"error": msg})
	return string(b)
}

// mustMarshal marshals a value to JSON, panicking on error.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
