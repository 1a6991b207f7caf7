// Package adapters provides platform-specific drivers for invoking agents
// on their native platforms behind one interface.
package adapters

import (
	"context"
	"fmt"
)

// Request carries everything an adapter needs to invoke an agent.
type Request struct {
	AgentID      string
	EndpointURL  string
	Model        string
	SystemPrompt string
	Prompt       string
	Input        map[string]interface{}
	Context      map[string]interface{}
	Tools        []interface{}
}

// ToolCall is one tool invocation requested by an agent.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Usage reports token consumption for platforms that meter it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the normalized result of an agent invocation.
type Response struct {
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	Model      string                 `json:"model,omitempty"`
	Usage      Usage                  `json:"usage"`
	StopReason string                 `json:"stop_reason,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
}

// Adapter invokes agents on one platform.
type Adapter interface {
	// Invoke runs the agent and returns its normalized response.
	Invoke(ctx context.Context, req Request) (*Response, error)
	// Validate checks that the agent exists and is reachable.
	Validate(ctx context.Context, agentID, endpointURL string) error
	// Metadata fetches platform-specific agent metadata, when available.
	Metadata(ctx context.Context, agentID, endpointURL string) (map[string]interface{}, error)
	// HealthCheck reports whether the platform itself is reachable.
	HealthCheck(ctx context.Context) error
}

// InvocationError reports a failed agent invocation.
type InvocationError struct {
	Platform string
	AgentID  string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s invocation failed for agent %s: %v", e.Platform, e.AgentID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ValidationError reports a failed agent validation.
type ValidationError struct {
	Platform string
	AgentID  string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed for agent %s: %v", e.Platform, e.AgentID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
