package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"uaef.dev/agents"
	"uaef.dev/common"
	"uaef.dev/config"
	"uaef.dev/ledger"
	"uaef.dev/security"
	"uaef.dev/settlement"
	"uaef.dev/store"
)

// ErrInvalidTaskState reports a task or approval transition the state
// machine does not allow.
var ErrInvalidTaskState = errors.New("invalid task state")

// defaultMaxRetries applies when the configuration leaves the limit unset.
const defaultMaxRetries = 3

// DefinitionInput describes a new workflow definition.
type DefinitionInput struct {
	Name          string
	Description   string
	Version       string
	Tasks         []map[string]interface{}
	Edges         []map[string]interface{}
	InputSchema   map[string]interface{}
	OutputSchema  map[string]interface{}
	DefaultConfig map[string]interface{}
	Policies      []string
	Tags          []string
}

// StartOptions carries optional attributes for a new execution.
type StartOptions struct {
	Name            string
	InitiatedBy     string
	InitiatedByType string
}

// Service orchestrates workflow executions: task scheduling, dependency
// resolution, agent dispatch, and policy enforcement. Every lifecycle change
// is recorded in the trust ledger.
type Service struct {
	store      *store.Store
	cfg        config.AgentConfig
	events     *ledger.EventService
	registry   *agents.Registry
	settlement *settlement.Service
	audit      *ledger.AuditTrailService
	scheduler  *Scheduler
	invoker    Invoker
}

// NewService builds a workflow Service on the shared store. Agent tasks are
// dispatched through the platform adapters.
func NewService(s *store.Store, cfg config.AgentConfig) (*Service, error) {
	settle, err := settlement.NewService(s)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:      s,
		cfg:        cfg,
		events:     ledger.NewEventService(s),
		registry:   agents.NewRegistry(s, cfg),
		settlement: settle,
		audit:      ledger.NewAuditTrailService(s),
		scheduler:  NewScheduler(s.DB),
		invoker:    NewPlatformInvoker(s, cfg),
	}, nil
}

// SetInvoker replaces the agent invoker. Used by embedders that dispatch
// through their own transport.
func (s *Service) SetInvoker(inv Invoker) {
	s.invoker = inv
}

func toJSONList(items []map[string]interface{}) store.JSONList {
	list := make(store.JSONList, len(items))
	for i, item := range items {
		list[i] = item
	}
	return list
}

// CreateDefinition validates the task graph and stores a new definition.
func (s *Service) CreateDefinition(ctx context.Context, in DefinitionInput) (*WorkflowDefinition, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("definition name is required")
	}

	tasksList := toJSONList(in.Tasks)
	edgesList := toJSONList(in.Edges)
	tasks, err := parseTasks(tasksList)
	if err != nil {
		return nil, err
	}
	edges, err := parseEdges(edgesList)
	if err != nil {
		return nil, err
	}
	if err := ValidateDAG(tasks, edges); err != nil {
		return nil, err
	}

	version := in.Version
	if version == "" {
		version = "1.0.0"
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	definition := &WorkflowDefinition{
		ID:            id,
		Name:          in.Name,
		Description:   in.Description,
		Version:       version,
		Tasks:         tasksList,
		Edges:         edgesList,
		InputSchema:   store.JSONMap(in.InputSchema),
		OutputSchema:  store.JSONMap(in.OutputSchema),
		DefaultConfig: store.JSONMap(in.DefaultConfig),
		Policies:      store.StringList(in.Policies),
		IsActive:      true,
		Tags:          store.StringList(in.Tags),
	}
	if definition.DefaultConfig == nil {
		definition.DefaultConfig = store.JSONMap{}
	}
	if definition.Policies == nil {
		definition.Policies = store.StringList{}
	}
	if definition.Tags == nil {
		definition.Tags = store.StringList{}
	}

	if err := s.store.DB.WithContext(ctx).Create(definition).Error; err != nil {
		return nil, fmt.Errorf("definition creation failed: %w", err)
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventWorkflowCreated,
		Payload: map[string]interface{}{
			"workflow_name": in.Name,
			"version":       version,
			"task_count":    len(tasks),
		},
	}); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"definition_id": definition.ID,
		"name":          in.Name,
		"task_count":    len(tasks),
	}).Info("workflow definition created")

	return definition, nil
}

// GetDefinition returns a definition by id.
func (s *Service) GetDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error) {
	var definition WorkflowDefinition
	err := s.store.DB.WithContext(ctx).First(&definition, "id = ?", definitionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("workflow definition %s: %w", definitionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &definition, nil
}

// DeactivateDefinition stops a definition from starting new executions.
// Running executions are unaffected.
func (s *Service) DeactivateDefinition(ctx context.Context, definitionID string) error {
	result := s.store.DB.WithContext(ctx).
		Model(&WorkflowDefinition{}).
		Where("id = ?", definitionID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("workflow definition %s: %w", definitionID, store.ErrNotFound)
	}
	return nil
}

// CreatePolicy stores a policy that definitions can reference.
func (s *Service) CreatePolicy(ctx context.Context, name, description, policyType, enforcementLevel string, rules []map[string]interface{}) (*Policy, error) {
	if name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policyType == "" {
		policyType = "execution"
	}
	if enforcementLevel == "" {
		enforcementLevel = "blocking"
	}
	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	policy := &Policy{
		ID:                 id,
		Name:               name,
		Description:        description,
		PolicyType:         policyType,
		Rules:              toJSONList(rules),
		EnforcementLevel:   enforcementLevel,
		IsActive:           true,
		AppliesToAgents:    store.StringList{},
		AppliesToWorkflows: store.StringList{},
	}
	if err := s.store.DB.WithContext(ctx).Create(policy).Error; err != nil {
		return nil, fmt.Errorf("policy creation failed: %w", err)
	}
	return policy, nil
}

// checkPolicies verifies every policy a definition references exists and is
// active. A violated blocking policy aborts the start; weaker enforcement
// levels only log.
func (s *Service) checkPolicies(ctx context.Context, definition *WorkflowDefinition) error {
	for _, policyID := range definition.Policies {
		var policy Policy
		err := s.store.DB.WithContext(ctx).First(&policy, "id = ?", policyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.recordPolicyViolation(ctx, definition.ID, policyID, "policy not found")
			return fmt.Errorf("policy %s referenced by definition %s not found", policyID, definition.ID)
		}
		if err != nil {
			return err
		}
		if !policy.IsActive {
			s.recordPolicyViolation(ctx, definition.ID, policyID, "policy inactive")
			if policy.EnforcementLevel == "blocking" {
				return fmt.Errorf("policy %s is inactive", policy.Name)
			}
			common.Logger.WithFields(logrus.Fields{
				"policy_id":     policyID,
				"definition_id": definition.ID,
			}).Warn("inactive policy referenced by definition")
		}
	}
	return nil
}

func (s *Service) recordPolicyViolation(ctx context.Context, definitionID, policyID, reason string) {
	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventPolicyViolation,
		Payload: map[string]interface{}{
			"definition_id": definitionID,
			"policy_id":     policyID,
			"reason":        reason,
		},
	}); err != nil {
		common.Logger.WithError(err).Error("failed to record policy violation")
	}
}

// StartWorkflow creates and launches an execution of an active definition.
func (s *Service) StartWorkflow(ctx context.Context, definitionID string, input map[string]interface{}, opts StartOptions) (*WorkflowExecution, error) {
	definition, err := s.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if !definition.IsActive {
		return nil, fmt.Errorf("workflow definition %s is not active", definitionID)
	}
	if err := s.checkPolicies(ctx, definition); err != nil {
		return nil, err
	}

	tasks, err := parseTasks(definition.Tasks)
	if err != nil {
		return nil, err
	}
	edges, err := parseEdges(definition.Edges)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = definition.Name
	}
	initiatedByType := opts.InitiatedByType
	if initiatedByType == "" {
		initiatedByType = "user"
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	execution := &WorkflowExecution{
		ID:              id,
		DefinitionID:    definitionID,
		Name:            name,
		Status:          WorkflowRunning,
		InputData:       store.JSONMap(input),
		Context:         store.JSONMap{},
		TotalTasks:      len(tasks),
		StartedAt:       &now,
		InitiatedBy:     opts.InitiatedBy,
		InitiatedByType: initiatedByType,
	}
	if err := s.store.DB.WithContext(ctx).Create(execution).Error; err != nil {
		return nil, fmt.Errorf("execution creation failed: %w", err)
	}

	if _, err := s.audit.CreateTrail(ctx, execution.ID, name, map[string]interface{}{
		"definition_id": definitionID,
	}); err != nil {
		return nil, err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventWorkflowStarted,
		Payload: map[string]interface{}{
			"workflow_name": name,
			"definition_id": definitionID,
			"task_count":    len(tasks),
		},
		WorkflowID: execution.ID,
		ActorType:  initiatedByType,
		ActorID:    opts.InitiatedBy,
	}); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"execution_id":  execution.ID,
		"definition_id": definitionID,
	}).Info("workflow started")

	if err := s.createTaskExecutions(ctx, execution, tasks, edges); err != nil {
		return nil, err
	}
	if _, err := s.ExecuteNextTasks(ctx, execution.ID); err != nil {
		return nil, err
	}

	return s.GetExecution(ctx, execution.ID)
}

// createTaskExecutions materializes one TaskExecution per task, with
// depends_on inverted from the definition's edges and remapped from
// definition task ids to execution row ids.
func (s *Service) createTaskExecutions(ctx context.Context, execution *WorkflowExecution, tasks []TaskSpec, edges []EdgeSpec) error {
	deps := dependencyMap(edges)
	idMap := make(map[string]string, len(tasks))

	created := make([]*TaskExecution, 0, len(tasks))
	for _, spec := range tasks {
		id, err := security.GenerateEventID()
		if err != nil {
			return err
		}
		task := &TaskExecution{
			ID:                  id,
			WorkflowExecutionID: execution.ID,
			TaskName:            spec.Name,
			TaskType:            spec.Type,
			Status:              TaskPending,
			InputData:           store.JSONMap(spec.Config),
			DependsOn:           store.StringList{},
		}
		if err := s.store.DB.WithContext(ctx).Create(task).Error; err != nil {
			return fmt.Errorf("task execution creation failed: %w", err)
		}
		idMap[spec.ID] = task.ID
		created = append(created, task)
	}

	for i, spec := range tasks {
		defDeps := deps[spec.ID]
		if len(defDeps) == 0 {
			continue
		}
		execDeps := make(store.StringList, 0, len(defDeps))
		for _, defID := range defDeps {
			execDeps = append(execDeps, idMap[defID])
		}
		created[i].DependsOn = execDeps
		if err := s.store.DB.WithContext(ctx).Save(created[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

// ExecuteNextTasks dispatches ready tasks until none remain, so a retried
// task is picked up again in the same call. Dispatch errors feed the retry
// policy rather than aborting the wave.
func (s *Service) ExecuteNextTasks(ctx context.Context, executionID string) ([]TaskExecution, error) {
	var dispatched []TaskExecution
	for {
		execution, err := s.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if execution.Status != WorkflowRunning {
			return dispatched, nil
		}

		ready, err := s.scheduler.GetReadyTasks(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if len(ready) == 0 {
			return dispatched, nil
		}
		for i := range ready {
			// Completing one task can recursively dispatch its successors,
			// so re-check that this entry is still pending.
			task, err := s.GetTask(ctx, ready[i].ID)
			if err != nil {
				return nil, err
			}
			if task.Status != TaskPending {
				continue
			}
			if err := s.dispatchTask(ctx, task); err != nil {
				common.Logger.WithFields(logrus.Fields{
					"task_id": task.ID,
				}).WithError(err).Error("task dispatch failed")
				if failErr := s.handleTaskFailure(ctx, task.ID, err.Error()); failErr != nil {
					return nil, failErr
				}
				// Re-check workflow status before dispatching more.
				break
			}
			dispatched = append(dispatched, *task)
		}
	}
}

func (s *Service) dispatchTask(ctx context.Context, task *TaskExecution) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	task.Status = TaskRunning
	task.StartedAt = &now
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventTaskStarted,
		Payload: map[string]interface{}{
			"task_name": task.TaskName,
			"task_type": task.TaskType,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
	}); err != nil {
		return err
	}

	switch task.TaskType {
	case TaskTypeAgent:
		return s.executeAgentTask(ctx, task)
	case TaskTypeHumanApproval:
		return s.executeHumanApprovalTask(ctx, task)
	case TaskTypeDecision:
		return s.executeDecisionTask(ctx, task)
	case TaskTypeParallel:
		return s.CompleteTask(ctx, task.ID, map[string]interface{}{
			"status": "parallel_execution_started",
		})
	default:
		return fmt.Errorf("unknown task type: %s", task.TaskType)
	}
}

func (s *Service) executeAgentTask(ctx context.Context, task *TaskExecution) error {
	capability, _ := task.InputData["capability"].(string)
	platform, _ := task.InputData["platform"].(string)

	agent, err := s.registry.FindAvailable(ctx, platform, capability)
	if err != nil {
		return err
	}

	task.AgentID = agent.ID
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}
	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventTaskAssigned,
		Payload: map[string]interface{}{
			"task_name":  task.TaskName,
			"agent_name": agent.Name,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
	}); err != nil {
		return err
	}

	execution, err := s.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	prompt, _ := task.InputData["prompt"].(string)
	taskContext := map[string]interface{}{}
	if configured, ok := task.InputData["context"].(map[string]interface{}); ok {
		for k, v := range configured {
			taskContext[k] = v
		}
	}
	for k, v := range execution.Context {
		taskContext[k] = v
	}

	result, err := s.invoker.Invoke(ctx, agent, task, prompt, taskContext)
	if err != nil {
		return err
	}

	return s.CompleteTask(ctx, task.ID, map[string]interface{}{
		"result": result.Content,
		"usage":  result.Usage,
	})
}

func (s *Service) executeHumanApprovalTask(ctx context.Context, task *TaskExecution) error {
	description, _ := task.InputData["description"].(string)
	if description == "" {
		description = "Approval required"
	}
	contextData, _ := task.InputData["context"].(map[string]interface{})
	if contextData == nil {
		contextData = map[string]interface{}{}
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return err
	}
	approval := &HumanApproval{
		ID:              id,
		TaskExecutionID: task.ID,
		RequestType:     "approve_action",
		Description:     description,
		ContextData:     store.JSONMap(contextData),
		Status:          ApprovalPending,
	}
	if err := s.store.DB.WithContext(ctx).Create(approval).Error; err != nil {
		return fmt.Errorf("approval request creation failed: %w", err)
	}

	task.Status = TaskWaitingInput
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}

	common.Logger.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"approval_id": approval.ID,
	}).Info("human approval requested")

	return nil
}

func (s *Service) executeDecisionTask(ctx context.Context, task *TaskExecution) error {
	conditions, _ := task.InputData["conditions"].(map[string]interface{})
	execution, err := s.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}

	decision := true
	for key, expected := range conditions {
		if actual, ok := execution.Context[key]; !ok || actual != expected {
			decision = false
			break
		}
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventDecisionMade,
		Payload: map[string]interface{}{
			"task_name": task.TaskName,
			"decision":  decision,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
	}); err != nil {
		return err
	}

	return s.CompleteTask(ctx, task.ID, map[string]interface{}{"decision": decision})
}

// CompleteTask finalizes a task's output, advances the execution, and
// completes the workflow when it was the last one.
func (s *Service) CompleteTask(ctx context.Context, taskID string, output map[string]interface{}) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return fmt.Errorf("%w: task %s is already %s", ErrInvalidTaskState, taskID, task.Status)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	task.Status = TaskCompleted
	task.CompletedAt = &now
	task.OutputData = store.JSONMap(output)
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}

	outputKeys := make([]interface{}, 0, len(output))
	for key := range output {
		outputKeys = append(outputKeys, key)
	}
	sort.Slice(outputKeys, func(i, j int) bool {
		return outputKeys[i].(string) < outputKeys[j].(string)
	})
	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventTaskCompleted,
		Payload: map[string]interface{}{
			"task_name":   task.TaskName,
			"output_keys": outputKeys,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
	}); err != nil {
		return err
	}

	if task.AgentID != "" {
		if err := s.registry.UpdateMetrics(ctx, task.AgentID, true); err != nil {
			return err
		}
	}

	execution, err := s.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	execution.CompletedTasks++
	if err := s.store.DB.WithContext(ctx).Save(execution).Error; err != nil {
		return err
	}

	common.Logger.WithFields(logrus.Fields{
		"task_id":     taskID,
		"workflow_id": task.WorkflowExecutionID,
	}).Info("task completed")

	if execution.CompletedTasks >= execution.TotalTasks {
		return s.completeWorkflow(ctx, execution)
	}
	_, err = s.ExecuteNextTasks(ctx, execution.ID)
	return err
}

// handleTaskFailure applies the retry policy: reschedule while attempts
// remain, otherwise fail the task and the whole workflow.
func (s *Service) handleTaskFailure(ctx context.Context, taskID, errorMessage string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.ErrorMessage = errorMessage
	task.RetryCount++

	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	if task.RetryCount <= maxRetries {
		task.Status = TaskPending
		if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
			return err
		}
		if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
			Type: ledger.EventTaskRetried,
			Payload: map[string]interface{}{
				"task_name":   task.TaskName,
				"retry_count": task.RetryCount,
				"error":       errorMessage,
			},
			WorkflowID: task.WorkflowExecutionID,
			TaskID:     task.ID,
		}); err != nil {
			return err
		}
		common.Logger.WithFields(logrus.Fields{
			"task_id":     task.ID,
			"retry_count": task.RetryCount,
		}).Info("task retrying")
		return nil
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	task.Status = TaskFailed
	task.CompletedAt = &now
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}
	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventTaskFailed,
		Payload: map[string]interface{}{
			"task_name":   task.TaskName,
			"error":       errorMessage,
			"retry_count": task.RetryCount,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
	}); err != nil {
		return err
	}

	if task.AgentID != "" {
		if err := s.registry.UpdateMetrics(ctx, task.AgentID, false); err != nil {
			return err
		}
	}

	execution, err := s.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	return s.failWorkflow(ctx, execution, fmt.Sprintf("Task %s failed: %s", task.TaskName, errorMessage))
}

// RespondToApproval records an operator's decision on a pending approval.
// Approval completes the blocked task; rejection fails it and the workflow.
func (s *Service) RespondToApproval(ctx context.Context, approvalID string, approved bool, respondedBy, notes string) error {
	var approval HumanApproval
	err := s.store.DB.WithContext(ctx).First(&approval, "id = ?", approvalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("approval %s: %w", approvalID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if approval.Status != ApprovalPending {
		return fmt.Errorf("%w: approval %s is already %s", ErrInvalidTaskState, approvalID, approval.Status)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if approved {
		approval.Status = ApprovalApproved
	} else {
		approval.Status = ApprovalRejected
	}
	approval.RespondedBy = respondedBy
	approval.RespondedAt = &now
	approval.ResponseNotes = notes
	if err := s.store.DB.WithContext(ctx).Save(&approval).Error; err != nil {
		return err
	}

	task, err := s.GetTask(ctx, approval.TaskExecutionID)
	if err != nil {
		return err
	}

	if approved {
		if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
			Type: ledger.EventHumanApproval,
			Payload: map[string]interface{}{
				"task_name":    task.TaskName,
				"responded_by": respondedBy,
			},
			WorkflowID: task.WorkflowExecutionID,
			TaskID:     task.ID,
			ActorType:  "user",
			ActorID:    respondedBy,
		}); err != nil {
			return err
		}
		return s.CompleteTask(ctx, task.ID, map[string]interface{}{
			"approved":     true,
			"responded_by": respondedBy,
		})
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventHumanRejection,
		Payload: map[string]interface{}{
			"task_name":    task.TaskName,
			"responded_by": respondedBy,
			"notes":        notes,
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
		ActorType:  "user",
		ActorID:    respondedBy,
	}); err != nil {
		return err
	}

	task.Status = TaskFailed
	task.CompletedAt = &now
	task.ErrorMessage = "approval rejected"
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}
	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventTaskFailed,
		Payload: map[string]interface{}{
			"task_name": task.TaskName,
			"error":     "approval rejected",
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
	}); err != nil {
		return err
	}

	execution, err := s.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	return s.failWorkflow(ctx, execution, fmt.Sprintf("Task %s rejected by %s", task.TaskName, respondedBy))
}

// CancelTask terminates a non-terminal task on operator request and fails
// the workflow it belongs to.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return fmt.Errorf("%w: task %s is already %s", ErrInvalidTaskState, taskID, task.Status)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	task.Status = TaskCancelled
	task.CompletedAt = &now
	if err := s.store.DB.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}
	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventTaskFailed,
		Payload: map[string]interface{}{
			"task_name": task.TaskName,
			"reason":    "cancelled",
		},
		WorkflowID: task.WorkflowExecutionID,
		TaskID:     task.ID,
	}); err != nil {
		return err
	}

	execution, err := s.GetExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	return s.failWorkflow(ctx, execution, fmt.Sprintf("Task %s cancelled", task.TaskName))
}

// CancelWorkflow terminates a running execution and every task still in
// flight.
func (s *Service) CancelWorkflow(ctx context.Context, executionID, cancelledBy string) error {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch execution.Status {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return fmt.Errorf("%w: workflow %s is already %s", ErrInvalidTaskState, executionID, execution.Status)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	err = s.store.DB.WithContext(ctx).
		Model(&TaskExecution{}).
		Where("workflow_execution_id = ? AND status NOT IN ?", executionID,
			[]string{TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped}).
		Updates(map[string]interface{}{
			"status":       TaskCancelled,
			"completed_at": now,
		}).Error
	if err != nil {
		return err
	}

	execution.Status = WorkflowCancelled
	execution.CompletedAt = &now
	if err := s.store.DB.WithContext(ctx).Save(execution).Error; err != nil {
		return err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventWorkflowCancelled,
		Payload: map[string]interface{}{
			"workflow_name": execution.Name,
			"cancelled_by":  cancelledBy,
		},
		WorkflowID: executionID,
		ActorType:  "user",
		ActorID:    cancelledBy,
	}); err != nil {
		return err
	}

	common.Logger.WithFields(logrus.Fields{
		"execution_id": executionID,
		"cancelled_by": cancelledBy,
	}).Info("workflow cancelled")

	return s.finishTrail(ctx, execution)
}

func (s *Service) completeWorkflow(ctx context.Context, execution *WorkflowExecution) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	execution.Status = WorkflowCompleted
	execution.CompletedAt = &now
	if err := s.store.DB.WithContext(ctx).Save(execution).Error; err != nil {
		return err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventWorkflowCompleted,
		Payload: map[string]interface{}{
			"workflow_name":   execution.Name,
			"completed_tasks": execution.CompletedTasks,
		},
		WorkflowID: execution.ID,
	}); err != nil {
		return err
	}

	common.Logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
	}).Info("workflow completed")

	if err := s.finishTrail(ctx, execution); err != nil {
		return err
	}

	s.triggerSettlement(ctx, execution)
	return nil
}

func (s *Service) failWorkflow(ctx context.Context, execution *WorkflowExecution, errorMessage string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	execution.Status = WorkflowFailed
	execution.CompletedAt = &now
	execution.ErrorMessage = errorMessage
	if err := s.store.DB.WithContext(ctx).Save(execution).Error; err != nil {
		return err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventWorkflowFailed,
		Payload: map[string]interface{}{
			"workflow_name": execution.Name,
			"error":         errorMessage,
		},
		WorkflowID: execution.ID,
	}); err != nil {
		return err
	}

	common.Logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"error":        errorMessage,
	}).Error("workflow failed")

	return s.finishTrail(ctx, execution)
}

// finishTrail folds the execution's ledger activity into its audit trail
// and closes it with the hash of the last recorded event.
func (s *Service) finishTrail(ctx context.Context, execution *WorkflowExecution) error {
	var eventCount int64
	err := s.store.DB.WithContext(ctx).
		Model(&ledger.LedgerEvent{}).
		Where("workflow_id = ?", execution.ID).
		Count(&eventCount).Error
	if err != nil {
		return err
	}

	var passed, failed int64
	checkpoints := s.store.DB.WithContext(ctx).Model(&ledger.ComplianceCheckpoint{})
	if err := checkpoints.Where("workflow_id = ? AND status = ?", execution.ID, ledger.CheckpointPassed).Count(&passed).Error; err != nil {
		return err
	}
	checkpoints = s.store.DB.WithContext(ctx).Model(&ledger.ComplianceCheckpoint{})
	if err := checkpoints.Where("workflow_id = ? AND status = ?", execution.ID, ledger.CheckpointFailed).Count(&failed).Error; err != nil {
		return err
	}

	if err := s.audit.UpdateTrailStats(ctx, execution.ID, ledger.TrailStats{
		Events:      eventCount,
		Checkpoints: passed + failed,
		Passed:      passed,
		Failed:      failed,
	}); err != nil {
		return err
	}

	var finalHash string
	var last ledger.LedgerEvent
	err = s.store.DB.WithContext(ctx).
		Where("workflow_id = ?", execution.ID).
		Order("sequence_number DESC").
		First(&last).Error
	if err == nil {
		finalHash = last.EventHash
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.audit.CompleteTrail(ctx, execution.ID, execution.Status, finalHash)
}

// triggerSettlement hands the finished execution to the settlement engine.
// Settlement failures are logged, not propagated; the workflow outcome
// stands either way.
func (s *Service) triggerSettlement(ctx context.Context, execution *WorkflowExecution) {
	workflowData := map[string]interface{}{
		"definition_id":   execution.DefinitionID,
		"status":          execution.Status,
		"completed_tasks": execution.CompletedTasks,
	}
	for k, v := range execution.Context {
		workflowData[k] = v
	}
	for k, v := range execution.OutputData {
		workflowData[k] = v
	}

	signals, err := s.settlement.EvaluateTriggers(ctx, execution.ID, workflowData)
	if err != nil {
		common.Logger.WithFields(logrus.Fields{
			"execution_id": execution.ID,
		}).WithError(err).Error("settlement trigger failed")
		return
	}
	common.Logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"signal_count": len(signals),
	}).Info("settlement evaluated")
}

// GetExecution returns an execution by id.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	var execution WorkflowExecution
	err := s.store.DB.WithContext(ctx).First(&execution, "id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("workflow execution %s: %w", executionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// GetTask returns a task execution by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*TaskExecution, error) {
	var task TaskExecution
	err := s.store.DB.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task execution %s: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns an execution's tasks in creation order.
func (s *Service) ListTasks(ctx context.Context, executionID string) ([]TaskExecution, error) {
	var tasks []TaskExecution
	err := s.store.DB.WithContext(ctx).
		Where("workflow_execution_id = ?", executionID).
		Order("created_at").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetPendingApprovals returns the open approval requests for an execution.
func (s *Service) GetPendingApprovals(ctx context.Context, executionID string) ([]HumanApproval, error) {
	var approvals []HumanApproval
	err := s.store.DB.WithContext(ctx).
		Joins("JOIN task_executions ON task_executions.id = human_approvals.task_execution_id").
		Where("task_executions.workflow_execution_id = ? AND human_approvals.status = ?", executionID, ApprovalPending).
		Find(&approvals).Error
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// UpdateContext merges values into a running execution's context, visible
// to subsequently dispatched tasks.
func (s *Service) UpdateContext(ctx context.Context, executionID string, values map[string]interface{}) error {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Context == nil {
		execution.Context = store.JSONMap{}
	}
	for k, v := range values {
		execution.Context[k] = v
	}
	return s.store.DB.WithContext(ctx).Save(execution).Error
}
