package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"uaef.dev/agents"
	"uaef.dev/agents/adapters"
	"uaef.dev/config"
	"uaef.dev/ledger"
	"uaef.dev/store"
)

// InvokeResult is the normalized outcome of one agent invocation.
type InvokeResult struct {
	Content string
	Usage   map[string]interface{}
}

// Invoker runs an agent task. The engine depends on this interface so tests
// can substitute a stub for the platform adapters.
type Invoker interface {
	Invoke(ctx context.Context, agent *agents.Agent, task *TaskExecution, prompt string, taskContext map[string]interface{}) (*InvokeResult, error)
}

// PlatformInvoker dispatches invocations through the adapter registry,
// recording each attempt as an execution and as ledger events.
type PlatformInvoker struct {
	executions *agents.ExecutionService
	events     *ledger.EventService
	cfg        config.AgentConfig
}

// NewPlatformInvoker builds a PlatformInvoker on the shared store.
func NewPlatformInvoker(s *store.Store, cfg config.AgentConfig) *PlatformInvoker {
	return &PlatformInvoker{
		executions: agents.NewExecutionService(s),
		events:     ledger.NewEventService(s),
		cfg:        cfg,
	}
}

// adapterConfig merges the agent's stored configuration with process-level
// credentials so adapters can authenticate.
func (p *PlatformInvoker) adapterConfig(agent *agents.Agent) map[string]interface{} {
	merged := map[string]interface{}{}
	for k, v := range agent.Configuration {
		merged[k] = v
	}
	if _, ok := merged["api_key"]; !ok && p.cfg.AnthropicAPIKey != "" {
		merged["api_key"] = p.cfg.AnthropicAPIKey
	}
	if _, ok := merged["default_model"]; !ok && p.cfg.DefaultModel != "" {
		merged["default_model"] = p.cfg.DefaultModel
	}
	return merged
}

// Invoke runs the agent on its platform with the configured deadline. The
// invocation and its outcome are recorded as agent_invoked plus either
// agent_response or agent_error.
func (p *PlatformInvoker) Invoke(ctx context.Context, agent *agents.Agent, task *TaskExecution, prompt string, taskContext map[string]interface{}) (*InvokeResult, error) {
	if _, err := p.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventAgentInvoked,
		Payload: map[string]interface{}{
			"task_name": task.TaskName,
			"platform":  agent.Platform,
			"model":     agent.Model,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
	}); err != nil {
		return nil, err
	}

	execution, err := p.executions.Begin(ctx, agent.ID, "", map[string]interface{}(task.InputData), taskContext)
	if err != nil {
		return nil, err
	}

	adapter, err := adapters.New(agent.Platform, p.adapterConfig(agent))
	if err != nil {
		return nil, p.fail(ctx, agent, task, execution.ID, err)
	}

	timeout := time.Duration(p.cfg.TaskTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := adapter.Invoke(invokeCtx, adapters.Request{
		AgentID:      agent.ID,
		EndpointURL:  agent.EndpointURL,
		Model:        agent.Model,
		SystemPrompt: agent.SystemPrompt,
		Prompt:       prompt,
		Input:        map[string]interface{}(task.InputData),
		Context:      taskContext,
		Tools:        []interface{}(agent.Tools),
	})
	if err != nil {
		return nil, p.fail(ctx, agent, task, execution.ID, err)
	}

	usage := map[string]interface{}{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"model":         resp.Model,
	}
	responseEvent, err := p.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventAgentResponse,
		Payload: map[string]interface{}{
			"task_name":     task.TaskName,
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"stop_reason":   resp.StopReason,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
	})
	if err != nil {
		return nil, err
	}

	output := map[string]interface{}{"content": resp.Content, "usage": usage}
	if _, err := p.executions.Complete(ctx, execution.ID, output, decimal.Zero, responseEvent.ID); err != nil {
		return nil, err
	}

	return &InvokeResult{Content: resp.Content, Usage: usage}, nil
}

// fail closes the execution record and logs the error to the ledger, then
// returns the original invocation error for retry handling.
func (p *PlatformInvoker) fail(ctx context.Context, agent *agents.Agent, task *TaskExecution, executionID string, cause error) error {
	if _, err := p.executions.Fail(ctx, executionID, cause.Error(), ""); err != nil {
		return err
	}
	if _, err := p.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventAgentError,
		Payload: map[string]interface{}{
			"task_name": task.TaskName,
			"error":     cause.Error(),
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
	}); err != nil {
		return err
	}
	return cause
}
