package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:            "test-key",
		BaseURL:           srv.URL,
		Model:             "test-model",
		MaxRetries:        3,
		RetryDelayBase:    5 * time.Millisecond,
		RequestsPerSecond: 1000,
	})
	return srv, client
}

func TestChatSuccess(t *testing.T) {
	_, client := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("expected default model, got %q", req.Model)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if result.Content != "hello" {
		t.Errorf("expected content hello, got %q", result.Content)
	}
	if result.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", result.TotalTokens)
	}
	if !result.Success {
		t.Error("expected success")
	}
}

func TestChatToolCalls(t *testing.T) {
	_, client := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "get_page" {
			t.Errorf("tools not forwarded: %+v", req.Tools)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]string{
								"name":      "get_page",
								"arguments": `{"page":2}`,
							},
						},
					},
				}},
			},
		})
	})

	tools := []Tool{{
		Type: "function",
		Function: ToolFunction{
			Name:       "get_page",
			Parameters: json.RawMessage(`{"type":"object"}`),
		},
	}}

	result, err := client.ChatWithTools(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "go"}},
	}, tools)
	if err != nil {
		t.Fatalf("ChatWithTools failed: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.ToolCalls))
	}
	tc := result.ToolCalls[0]
	if tc.Function.Name != "get_page" || tc.Function.Arguments != `{"page":2}` {
		t.Errorf("unexpected tool call: %+v", tc)
	}
}

func TestChatRetriesServerError(t *testing.T) {
	var calls atomic.Int64
	_, client := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
		})
	})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.Content != "ok" {
		t.Errorf("unexpected content %q", result.Content)
	}
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int64
	_, client := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected single attempt for 400, got %d", calls.Load())
	}
}

func TestChatParsesStructuredResponse(t *testing.T) {
	_, client := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"a":1}`}},
			},
		})
	})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if string(result.ParsedJSON) != `{"a":1}` {
		t.Errorf("expected parsed JSON, got %q", result.ParsedJSON)
	}
}
