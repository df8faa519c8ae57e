package extract

import (
	"strings"

	"github.com/edbinder/binder/internal/providers"
)

func getAllOcrTextTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_all_ocr_text",
			Description: "Return the OCR text of every page, concatenated with 'Page N:' markers. Use this first to get an overview of the document.",
			Parameters: mustMarshal(map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}),
		},
	}
}

func getOcrTextForPageTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_ocr_text_for_page",
			Description: "Return the OCR text of a single page. Page numbers are 1-based and match the 'Page N:' markers.",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"page_number": map[string]any{
						"type":        "integer",
						"description": "1-based page number",
						"minimum":     1,
					},
				},
				"required": []string{"page_number"},
			}),
		},
	}
}

func getOcrTextForPagesTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_ocr_text_for_pages",
			Description: "Return the OCR text of several pages at once. Page numbers are 1-based.",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"page_numbers": map[string]any{
						"type":        "array",
						"description": "1-based page numbers",
						"items":       map[string]any{"type": "integer", "minimum": 1},
						"minItems":    1,
					},
				},
				"required": []string{"page_numbers"},
			}),
		},
	}
}

func getSectionInfoTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "get_section_info",
			Description: "Return the description and extraction guidance for one of the required IEP sections: " + strings.Join(SectionTitles, "; ") + ".",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"section_name": map[string]any{
						"type":        "string",
						"description": "Section title, e.g. 'Goals'",
					},
				},
				"required": []string{"section_name"},
			}),
		},
	}
}

// extractionSchema is both the submit_iep_extraction parameter schema sent
// to the LLM and the validator every submission must pass before it is
// accepted.
var extractionSchema = mustMarshal(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{
			"type":        "string",
			"description": "Parent-friendly summary of the whole IEP, a few paragraphs of plain language",
		},
		"sections": map[string]any{
			"type":        "array",
			"description": "One entry per required section that appears in the document",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Canonical section title",
						"enum":        SectionTitles,
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Section content as markdown",
					},
					"page_numbers": map[string]any{
						"type":        "array",
						"description": "1-based pages the content was drawn from",
						"items":       map[string]any{"type": "integer", "minimum": 1},
					},
				},
				"required": []string{"title", "content"},
			},
		},
		"document_index": map[string]any{
			"type":        "string",
			"description": "Markdown index of the document: which topics appear on which pages",
		},
		"abbreviations": map[string]any{
			"type":        "array",
			"description": "Abbreviations used in the document with their full forms",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"abbreviation": map[string]any{"type": "string"},
					"full_form":    map[string]any{"type": "string"},
				},
				"required": []string{"abbreviation", "full_form"},
			},
		},
	},
	"required": []string{"summary", "sections", "document_index", "abbreviations"},
})

func submitIepExtractionTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        "submit_iep_extraction",
			Description: "Submit the final extraction result and complete the task. Include every required section you found; sections you could not find may be omitted and will be filled with a placeholder.",
			Parameters:  extractionSchema,
		},
	}
}
