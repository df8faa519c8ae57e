// Package agent runs multi-turn tool-calling LLM conversations. The agent
// owns conversation state and tool dispatch; the LLM calls themselves are
// executed by the caller (typically as scheduler work units) and fed back
// in.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edbinder/binder/internal/providers"
)

// Tools provides an agent's capabilities and completion signal.
type Tools interface {
	// GetTools returns the tool definitions advertised to the LLM.
	GetTools() []providers.Tool

	// ExecuteTool runs one tool call and returns its JSON result.
	ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error)

	// IsComplete reports whether the completion tool has been called.
	IsComplete() bool

	// GetResult returns the final result once IsComplete is true.
	GetResult() any
}

// Config configures an agent instance.
type Config struct {
	// ID uniquely identifies this agent (auto-generated if empty).
	ID string

	// Tools provides the agent's capabilities.
	Tools Tools

	// InitialMessages seeds the conversation (system + user prompt).
	InitialMessages []providers.Message

	// MaxIterations bounds the loop (default 15).
	MaxIterations int

	// Temperature for every request.
	Temperature float64
}

// Result is the final outcome of an agent run.
type Result struct {
	Success       bool
	Error         string
	Iterations    int
	MaxIterations int
	ExecutionTime time.Duration
	ToolResult    any
}

// Agent manages state for a single conversation. It produces chat
// requests and consumes results; it never calls the LLM itself.
type Agent struct {
	mu sync.Mutex

	id            string
	tools         Tools
	maxIterations int
	temperature   float64

	messages  []providers.Message
	iteration int
	startTime time.Time

	complete bool
	result   *Result
}

// New creates an agent.
func New(cfg Config) *Agent {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 15
	}

	messages := make([]providers.Message, len(cfg.InitialMessages))
	copy(messages, cfg.InitialMessages)

	return &Agent{
		id:            id,
		tools:         cfg.Tools,
		maxIterations: maxIterations,
		temperature:   cfg.Temperature,
		messages:      messages,
		startTime:     time.Now(),
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Next returns the next chat request and the tool set, or nil when the
// agent is done. Each call counts one iteration; exceeding the budget
// fails the agent.
func (a *Agent) Next() (*providers.ChatRequest, []providers.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete {
		return nil, nil
	}

	a.iteration++
	if a.iteration > a.maxIterations {
		a.complete = true
		a.result = &Result{
			Success:       false,
			Error:         fmt.Sprintf("agent did not complete within %d iterations", a.maxIterations),
			Iterations:    a.iteration - 1,
			MaxIterations: a.maxIterations,
			ExecutionTime: time.Since(a.startTime),
		}
		return nil, nil
	}

	messages := make([]providers.Message, len(a.messages))
	copy(messages, a.messages)

	return &providers.ChatRequest{
		Messages:    messages,
		Temperature: a.temperature,
		RequestID:   fmt.Sprintf("%s-%d", a.id, a.iteration),
	}, a.tools.GetTools()
}

// HandleResult consumes an LLM result: the assistant turn is appended,
// tool calls are executed and their results added as tool messages.
func (a *Agent) HandleResult(ctx context.Context, result *providers.ChatResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	assistantMsg := providers.Message{
		Role:      "assistant",
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
	}
	a.messages = append(a.messages, assistantMsg)

	for _, tc := range result.ToolCalls {
		output := a.executeTool(ctx, tc)
		a.messages = append(a.messages, providers.Message{
			Role:       "tool",
			Content:    output,
			ToolCallID: tc.ID,
		})
	}

	if a.tools.IsComplete() {
		a.complete = true
		a.result = &Result{
			Success:       true,
			Iterations:    a.iteration,
			MaxIterations: a.maxIterations,
			ExecutionTime: time.Since(a.startTime),
			ToolResult:    a.tools.GetResult(),
		}
		return nil
	}

	// No tool calls and not complete: nudge the model back to the tools.
	if len(result.ToolCalls) == 0 {
		a.messages = append(a.messages, providers.Message{
			Role:    "user",
			Content: "Please continue using the available tools to complete your task.",
		})
	}
	return nil
}

// Fail terminates the agent with an error (e.g. the LLM call itself
// failed irrecoverably).
func (a *Agent) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.complete {
		return
	}
	a.complete = true
	a.result = &Result{
		Success:       false,
		Error:         err.Error(),
		Iterations:    a.iteration,
		MaxIterations: a.maxIterations,
		ExecutionTime: time.Since(a.startTime),
	}
}

func (a *Agent) executeTool(ctx context.Context, tc providers.ToolCall) string {
	args := make(map[string]any)
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			out, _ := json.Marshal(map[string]string{
				"error": fmt.Sprintf("failed to parse tool arguments: %v", err),
			})
			return string(out)
		}
	}

	result, err := a.tools.ExecuteTool(ctx, tc.Function.Name, args)
	if err != nil {
		out, _ := json.Marshal(map[string]string{
			"error": fmt.Sprintf("tool execution failed: %v", err),
		})
		return string(out)
	}
	return result
}

// IsDone reports whether the agent has finished (success or failure).
func (a *Agent) IsDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete
}

// Result returns the final result. Valid only after IsDone.
func (a *Agent) Result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Iteration returns the current iteration count.
func (a *Agent) Iteration() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iteration
}
