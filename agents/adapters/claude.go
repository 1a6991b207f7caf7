package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"uaef.dev/agents"
	"uaef.dev/common"
)

const claudeMaxTokens = 4096

func init() {
	Register(agents.PlatformClaude, func(config map[string]interface{}) (Adapter, error) {
		apiKey, _ := config["api_key"].(string)
		defaultModel, _ := config["default_model"].(string)
		return NewClaudeAdapter(apiKey, defaultModel)
	})
}

// ClaudeAdapter invokes Claude agents through the Anthropic API.
type ClaudeAdapter struct {
	client       anthropic.Client
	defaultModel string
}

// NewClaudeAdapter builds a ClaudeAdapter. The API key is required.
func NewClaudeAdapter(apiKey, defaultModel string) (*ClaudeAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key not configured")
	}
	return &ClaudeAdapter{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

// buildPrompt prepends the request context to the prompt, with keys sorted
// so the rendered prompt is stable.
func buildPrompt(req Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, req.Context[k])
	}
	b.WriteString("\nTask:\n")
	b.WriteString(req.Prompt)
	return b.String()
}

// buildTools converts stored tool definitions into API tool params.
// Malformed entries are skipped.
func buildTools(defs []interface{}) []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam
	for _, def := range defs {
		spec, ok := def.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := spec["name"].(string)
		if name == "" {
			continue
		}
		tool := anthropic.ToolParam{Name: name}
		if description, ok := spec["description"].(string); ok {
			tool.Description = anthropic.String(description)
		}
		if schema, ok := spec["input_schema"].(map[string]interface{}); ok {
			tool.InputSchema = anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

// Invoke sends the prompt to the Anthropic API and normalizes the response.
func (a *ClaudeAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: claudeMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
	}
	if tools := buildTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &InvocationError{Platform: agents.PlatformClaude, AgentID: req.AgentID, Err: err}
	}

	var content strings.Builder
	var toolCalls []ToolCall
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			input := map[string]interface{}{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, &InvocationError{Platform: agents.PlatformClaude, AgentID: req.AgentID, Err: err}
				}
			}
			toolCalls = append(toolCalls, ToolCall{ID: b.ID, Name: b.Name, Input: input})
		}
	}

	common.Logger.WithFields(logrus.Fields{
		"agent_id":      req.AgentID,
		"model":         string(message.Model),
		"input_tokens":  message.Usage.InputTokens,
		"output_tokens": message.Usage.OutputTokens,
	}).Info("claude agent invoked")

	return &Response{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		Model:      string(message.Model),
		StopReason: string(message.StopReason),
		Usage: Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}, nil
}

// Validate checks the agent's configuration. Claude agents have no remote
// registration to probe, so validation is local.
func (a *ClaudeAdapter) Validate(ctx context.Context, agentID, endpointURL string) error {
	if a.defaultModel == "" {
		return &ValidationError{Platform: agents.PlatformClaude, AgentID: agentID, Err: fmt.Errorf("no model configured")}
	}
	return nil
}

// Metadata reports the adapter's static capabilities.
func (a *ClaudeAdapter) Metadata(ctx context.Context, agentID, endpointURL string) (map[string]interface{}, error) {
	return map[string]interface{}{
		"platform":       agents.PlatformClaude,
		"default_model":  a.defaultModel,
		"supports_tools": true,
	}, nil
}

// HealthCheck reports whether the client is configured.
func (a *ClaudeAdapter) HealthCheck(ctx context.Context) error {
	return nil
}
