package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o"
)

// OpenAIConfig holds OpenAI-compatible client configuration.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string // defaults to the OpenAI API
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	RetryDelayBase    time.Duration
	RequestsPerSecond float64
}

// OpenAIClient implements LLMClient against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	config     OpenAIConfig
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewOpenAIClient creates a new client with the given configuration.
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.BaseURL == "" {
		config.BaseURL = defaultOpenAIBaseURL
	}
	if config.Model == "" {
		config.Model = defaultOpenAIModel
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelayBase == 0 {
		config.RetryDelayBase = 2 * time.Second
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 1.0
	}

	return &OpenAIClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: NewRateLimiter(config.RequestsPerSecond),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// RequestsPerSecond returns the configured rate limit.
func (c *OpenAIClient) RequestsPerSecond() float64 {
	return c.config.RequestsPerSecond
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	return c.doChat(ctx, req, nil)
}

// ChatWithTools sends a chat request with tool definitions.
func (c *OpenAIClient) ChatWithTools(ctx context.Context, req *ChatRequest, tools []Tool) (*ChatResult, error) {
	return c.doChat(ctx, req, tools)
}

func (c *OpenAIClient) doChat(ctx context.Context, req *ChatRequest, tools []Tool) (*ChatResult, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := openAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: openAIToolCallFunc{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, m)
	}

	apiReq := openAIRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.ResponseFormat != nil {
		apiReq.ResponseFormat = &openAIResponseFormat{
			Type:       req.ResponseFormat.Type,
			JSONSchema: req.ResponseFormat.JSONSchema,
		}
	}

	if len(tools) > 0 {
		apiReq.Tools = tools
	}

	apiResp, attempts, err := c.doRequest(ctx, &apiReq)
	totalTime := time.Since(startTime)

	result := &ChatResult{
		Provider:  c.Name(),
		ModelUsed: model,
		RequestID: req.RequestID,
		Attempts:  attempts,
		TotalTime: totalTime,
	}

	if err != nil {
		result.Success = false
		result.ErrorType = "request_failed"
		result.ErrorMessage = err.Error()
		return result, err
	}

	if len(apiResp.Choices) == 0 {
		result.Success = false
		result.ErrorType = "empty_response"
		result.ErrorMessage = "no choices in response"
		return result, fmt.Errorf("no choices in response")
	}

	choice := apiResp.Choices[0]
	result.Success = true
	result.Content = choice.Message.Content
	result.PromptTokens = apiResp.Usage.PromptTokens
	result.CompletionTokens = apiResp.Usage.CompletionTokens
	result.TotalTokens = apiResp.Usage.TotalTokens
	result.ExecutionTime = totalTime

	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Type: tc.Type}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = tc.Function.Arguments
		result.ToolCalls = append(result.ToolCalls, call)
	}

	if req.ResponseFormat != nil && result.Content != "" {
		var parsed json.RawMessage
		if err := json.Unmarshal([]byte(result.Content), &parsed); err == nil {
			result.ParsedJSON = parsed
		}
	}

	return result, nil
}

// doRequest performs the HTTP request with retry logic.
// Returns the parsed response and the number of attempts made.
func (c *OpenAIClient) doRequest(ctx context.Context, apiReq *openAIRequest) (*openAIResponse, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, attempt, err
		}

		body, err := json.Marshal(apiReq)
		if err != nil {
			return nil, attempt, fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, attempt, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if ctx.Err() != nil {
				return nil, attempt, lastErr
			}
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, truncateBody(respBody))
			if resp.StatusCode == http.StatusTooManyRequests {
				c.limiter.Record429()
			}
			if !shouldRetryStatus(resp.StatusCode) {
				return nil, attempt, lastErr
			}
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		var apiResp openAIResponse
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			lastErr = fmt.Errorf("failed to parse response: %w", err)
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		return &apiResp, attempt, nil
	}

	return nil, c.config.MaxRetries, fmt.Errorf("all %d attempts failed: %w", c.config.MaxRetries, lastErr)
}

// shouldRetryStatus reports whether an HTTP status is worth retrying.
// Client errors other than 429 indicate a bad request and will not
// succeed on retry.
func shouldRetryStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

// sleepWithJitter sleeps with exponential backoff and jitter, respecting
// context cancellation.
func (c *OpenAIClient) sleepWithJitter(ctx context.Context, attempt int) {
	base := c.config.RetryDelayBase * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-time.After(base + jitter):
	case <-ctx.Done():
	}
}

func truncateBody(b []byte) string {
	const max = 500
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Wire types for the OpenAI chat-completions API.

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
	Tools          []Tool                `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIToolCallFunc `json:"function"`
}

type openAIToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

var _ LLMClient = (*OpenAIClient)(nil)
