// Package workflow runs DAG-structured workflows over registered agents.
// Definitions declare tasks and dependency edges; executions track each run,
// with every state change recorded in the trust ledger.
package workflow

import (
	"time"

	"uaef.dev/store"
)

// Workflow execution statuses.
const (
	WorkflowPending         = "pending"
	WorkflowRunning         = "running"
	WorkflowPaused          = "paused"
	WorkflowWaitingApproval = "waiting_approval"
	WorkflowCompleted       = "completed"
	WorkflowFailed          = "failed"
	WorkflowCancelled       = "cancelled"
)

// Task execution statuses.
const (
	TaskPending      = "pending"
	TaskQueued       = "queued"
	TaskRunning      = "running"
	TaskWaitingInput = "waiting_input"
	TaskCompleted    = "completed"
	TaskFailed       = "failed"
	TaskSkipped      = "skipped"
	TaskCancelled    = "cancelled"
)

// Task types.
const (
	TaskTypeAgent         = "agent"
	TaskTypeHumanApproval = "human_approval"
	TaskTypeDecision      = "decision"
	TaskTypeParallel      = "parallel"
)

// Human approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// WorkflowDefinition is an authored workflow template: tasks plus the
// dependency edges between them. Versions are immutable once referenced by
// an execution.
type WorkflowDefinition struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:200;not null;index"`
	Description string `gorm:"type:text"`
	Version     string `gorm:"size:20;default:1.0.0"`

	Tasks store.JSONList `gorm:"type:text;not null"`
	Edges store.JSONList `gorm:"type:text;not null"`

	InputSchema   store.JSONMap `gorm:"type:text"`
	OutputSchema  store.JSONMap `gorm:"type:text"`
	DefaultConfig store.JSONMap `gorm:"type:text;not null"`

	// Policy ids enforced before each execution starts.
	Policies store.StringList `gorm:"type:text;not null"`

	IsActive bool             `gorm:"default:true;index"`
	Tags     store.StringList `gorm:"type:text;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowExecution is one run of a definition.
type WorkflowExecution struct {
	ID           string `gorm:"primaryKey;size:36"`
	DefinitionID string `gorm:"size:36;not null;index"`

	Name   string `gorm:"size:200;not null"`
	Status string `gorm:"size:20;not null;default:pending;index"`

	InputData  store.JSONMap `gorm:"type:text;not null"`
	OutputData store.JSONMap `gorm:"type:text"`
	Context    store.JSONMap `gorm:"type:text;not null"`

	CurrentTaskID  string `gorm:"size:36"`
	CompletedTasks int    `gorm:"default:0"`
	TotalTasks     int    `gorm:"default:0"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorMessage string `gorm:"type:text"`
	RetryCount   int    `gorm:"default:0"`

	InitiatedBy     string `gorm:"size:36"`
	InitiatedByType string `gorm:"size:20;default:user"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TaskExecution is one task within a workflow execution. DependsOn holds
// sibling TaskExecution ids in the same execution.
type TaskExecution struct {
	ID                  string `gorm:"primaryKey;size:36"`
	WorkflowExecutionID string `gorm:"size:36;not null;index:idx_task_exec_status"`

	TaskName string `gorm:"size:100;not null"`
	TaskType string `gorm:"size:20;not null;default:agent"`
	Status   string `gorm:"size:20;not null;default:pending;index:idx_task_exec_status"`

	AgentID string `gorm:"size:36;index"`

	InputData  store.JSONMap `gorm:"type:text;not null"`
	OutputData store.JSONMap `gorm:"type:text"`

	Prompt   string `gorm:"type:text"`
	Response string `gorm:"type:text"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorMessage string `gorm:"type:text"`
	RetryCount   int    `gorm:"default:0"`

	DependsOn store.StringList `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// Policy is a named constraint set referenced by workflow definitions. The
// engine checks that referenced policies exist and are active before a run
// starts.
type Policy struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:100;not null;uniqueIndex"`
	Description string `gorm:"type:text"`

	PolicyType string `gorm:"size:30;not null;default:execution"`

	Rules store.JSONList `gorm:"type:text;not null"`

	// advisory, warning, or blocking.
	EnforcementLevel string `gorm:"size:20;default:blocking"`

	IsActive bool `gorm:"default:true;index"`

	AppliesToAgents    store.StringList `gorm:"type:text;not null"`
	AppliesToWorkflows store.StringList `gorm:"type:text;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HumanApproval is a pending operator decision blocking a task.
type HumanApproval struct {
	ID              string `gorm:"primaryKey;size:36"`
	TaskExecutionID string `gorm:"size:36;not null;index"`

	RequestType string        `gorm:"size:30;not null;default:approve_action"`
	Description string        `gorm:"type:text;not null"`
	ContextData store.JSONMap `gorm:"type:text;not null"`

	Status string `gorm:"size:20;not null;default:pending;index"`

	RespondedBy   string `gorm:"size:36"`
	RespondedAt   *time.Time
	ResponseData  store.JSONMap `gorm:"type:text"`
	ResponseNotes string        `gorm:"type:text"`

	ExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Models lists every workflow table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&WorkflowDefinition{},
		&WorkflowExecution{},
		&TaskExecution{},
		&Policy{},
		&HumanApproval{},
	}
}
