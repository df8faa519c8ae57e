package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockClient is a scriptable LLMClient for tests.
type MockClient struct {
	// Latency delays each call, for testing timeouts and concurrency.
	Latency time.Duration

	// ShouldFail makes every call return an error.
	ShouldFail bool

	// FailAfter, when > 0, fails calls after this many successes.
	FailAfter int

	// Script is a queue of results returned in order. When exhausted,
	// calls fall back to ResponseText.
	Script []*ChatResult

	// ResponseText is the fallback response content.
	ResponseText string

	mu           sync.Mutex
	scriptIdx    int
	lastRequest  *ChatRequest
	requestCount atomic.Int64
}

// NewMockClient creates a mock that answers every call with text.
func NewMockClient(text string) *MockClient {
	return &MockClient{ResponseText: text}
}

// ScriptToolCall appends a scripted assistant turn that calls a single tool.
func (m *MockClient) ScriptToolCall(id, name, arguments string) *MockClient {
	call := ToolCall{ID: id, Type: "function"}
	call.Function.Name = name
	call.Function.Arguments = arguments
	m.Script = append(m.Script, &ChatResult{
		Success:   true,
		ToolCalls: []ToolCall{call},
		Provider:  "mock",
	})
	return m
}

// ScriptText appends a scripted plain-text assistant turn.
func (m *MockClient) ScriptText(text string) *MockClient {
	m.Script = append(m.Script, &ChatResult{
		Success:  true,
		Content:  text,
		Provider: "mock",
	})
	return m
}

// Name returns the client identifier.
func (m *MockClient) Name() string {
	return "mock"
}

// RequestsPerSecond returns an effectively unlimited rate for tests.
func (m *MockClient) RequestsPerSecond() float64 {
	return 1000
}

// RequestCount returns the number of calls made.
func (m *MockClient) RequestCount() int {
	return int(m.requestCount.Load())
}

// LastRequest returns the most recent request received.
func (m *MockClient) LastRequest() *ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Chat returns the next scripted result.
func (m *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	return m.respond(ctx, req)
}

// ChatWithTools returns the next scripted result.
func (m *MockClient) ChatWithTools(ctx context.Context, req *ChatRequest, tools []Tool) (*ChatResult, error) {
	return m.respond(ctx, req)
}

func (m *MockClient) respond(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	count := m.requestCount.Add(1)

	m.mu.Lock()
	m.lastRequest = req
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.ShouldFail {
		return nil, fmt.Errorf("mock failure")
	}
	if m.FailAfter > 0 && int(count) > m.FailAfter {
		return nil, fmt.Errorf("mock failure after %d requests", m.FailAfter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scriptIdx < len(m.Script) {
		result := m.Script[m.scriptIdx]
		m.scriptIdx++
		return result, nil
	}

	return &ChatResult{
		Success:  true,
		Content:  m.ResponseText,
		Provider: "mock",
	}, nil
}

// MockOCRProvider is a canned OCRProvider for tests.
type MockOCRProvider struct {
	// Pages are returned as the OCR result, one entry per page.
	Pages []string

	// ShouldFail makes every call return an error.
	ShouldFail bool

	requestCount atomic.Int64
}

// Name returns the provider identifier.
func (m *MockOCRProvider) Name() string { return "mock-ocr" }

// RequestsPerSecond returns an effectively unlimited rate for tests.
func (m *MockOCRProvider) RequestsPerSecond() float64 { return 1000 }

// RequestCount returns the number of calls made.
func (m *MockOCRProvider) RequestCount() int { return int(m.requestCount.Load()) }

// ProcessDocument returns the canned pages.
func (m *MockOCRProvider) ProcessDocument(ctx context.Context, pdf []byte, filename string) (*OCRDocument, error) {
	m.requestCount.Add(1)
	if m.ShouldFail {
		return nil, fmt.Errorf("mock ocr failure")
	}
	doc := &OCRDocument{PagesProcessed: len(m.Pages), Model: "mock"}
	for i, p := range m.Pages {
		doc.Pages = append(doc.Pages, OCRPage{Index: i, Markdown: p})
	}
	return doc, nil
}

// MockDetector is a canned EntityDetector for tests.
type MockDetector struct {
	// Detect, when set, computes entities per call. Otherwise Entities
	// is returned as-is.
	Detect   func(text string) []Entity
	Entities []Entity

	// ShouldFail makes every call return an error.
	ShouldFail bool

	requestCount atomic.Int64
}

// Name returns the detector identifier.
func (m *MockDetector) Name() string { return "mock-detector" }

// RequestsPerSecond returns an effectively unlimited rate for tests.
func (m *MockDetector) RequestsPerSecond() float64 { return 1000 }

// RequestCount returns the number of calls made.
func (m *MockDetector) RequestCount() int { return int(m.requestCount.Load()) }

// DetectEntities returns the canned or computed entities.
func (m *MockDetector) DetectEntities(ctx context.Context, text, languageCode string) ([]Entity, error) {
	m.requestCount.Add(1)
	if m.ShouldFail {
		return nil, fmt.Errorf("mock detection failure")
	}
	if m.Detect != nil {
		return m.Detect(text), nil
	}
	return m.Entities, nil
}

var (
	_ LLMClient      = (*MockClient)(nil)
	_ OCRProvider    = (*MockOCRProvider)(nil)
	_ EntityDetector = (*MockDetector)(nil)
)
