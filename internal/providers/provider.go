// Package providers contains clients for the external services the pipeline
// depends on: the chat-completions LLM, the OCR service and the PII
// entity-detection service.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the primary interface for chat/completion requests.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// ChatWithTools sends a chat request with tool/function definitions.
	ChatWithTools(ctx context.Context, req *ChatRequest, tools []Tool) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openai").
	Name() string

	// RequestsPerSecond returns the rate limit for the worker pool.
	RequestsPerSecond() float64
}

// OCRProvider handles document-to-text extraction.
// Separate from LLM because it has different rate limiting, retry patterns,
// and result handling (page-indexed markdown vs chat responses).
type OCRProvider interface {
	// Name returns the provider identifier (e.g., "mistral").
	Name() string

	// ProcessDocument extracts page-indexed text from a PDF.
	ProcessDocument(ctx context.Context, pdf []byte, filename string) (*OCRDocument, error)

	// RequestsPerSecond returns the rate limit for the worker pool.
	RequestsPerSecond() float64
}

// EntityDetector finds PII entities in text.
type EntityDetector interface {
	// Name returns the detector identifier.
	Name() string

	// DetectEntities returns the entities found in text.
	// languageCode is an ISO 639-1 code such as "en".
	DetectEntities(ctx context.Context, text, languageCode string) ([]Entity, error)

	// RequestsPerSecond returns the rate limit for the worker pool.
	RequestsPerSecond() float64
}

// Entity is a single PII detection with byte offsets into the input text.
type Entity struct {
	Type        string  `json:"Type"`
	Score       float64 `json:"Score,omitempty"`
	BeginOffset int     `json:"BeginOffset"`
	EndOffset   int     `json:"EndOffset"`
}

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages with tool calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool response messages
}

// ResponseFormat specifies structured output format.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_object" or "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	// Required
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     time.Duration

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	// Response content
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"` // Parsed if ResponseFormat was set
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Timing
	ExecutionTime time.Duration `json:"execution_time"`
	TotalTime     time.Duration `json:"total_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	// Success/error
	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Tool defines a function/tool that the LLM can call.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall represents a tool invocation from the LLM.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON string
	} `json:"function"`
}

// OCRDocument is the page-indexed result of document OCR.
type OCRDocument struct {
	Pages []OCRPage `json:"pages"`

	// Model and usage info from the provider (informational).
	Model          string `json:"model,omitempty"`
	PagesProcessed int    `json:"pages_processed,omitempty"`
}

// OCRPage is one page of OCR output.
type OCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// Text returns the page content. Alias for readability at call sites that
// treat the markdown as plain text.
func (p OCRPage) Text() string {
	return p.Markdown
}
