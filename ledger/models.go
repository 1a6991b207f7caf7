// Package ledger implements the UAEF trust ledger: an append-only,
// hash-chained event log with block finalization, compliance checkpoints,
// and audit trails.
package ledger

import (
	"time"

	"uaef.dev/store"
)

// Event types recorded in the trust ledger. The set is closed; services
// never invent ad-hoc type strings.
const (
	EventWorkflowCreated   = "workflow_created"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventTaskAssigned  = "task_assigned"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskRetried   = "task_retried"

	EventAgentRegistered = "agent_registered"
	EventAgentInvoked    = "agent_invoked"
	EventAgentResponse   = "agent_response"
	EventAgentError      = "agent_error"

	EventDecisionMade   = "decision_made"
	EventHumanApproval  = "human_approval"
	EventHumanRejection = "human_rejection"

	EventCheckpointPassed = "checkpoint_passed"
	EventCheckpointFailed = "checkpoint_failed"
	EventPolicyViolation  = "policy_violation"

	EventSettlementTriggered = "settlement_triggered"
	EventSettlementCompleted = "settlement_completed"
	EventSettlementFailed    = "settlement_failed"

	EventSystemError          = "system_error"
	EventConfigurationChanged = "configuration_changed"
)

// Checkpoint statuses.
const (
	CheckpointPending        = "pending"
	CheckpointPassed         = "passed"
	CheckpointFailed         = "failed"
	CheckpointSkipped        = "skipped"
	CheckpointRequiresReview = "requires_review"
)

// LedgerEvent is one immutable record in the trust ledger. Each event is
// cryptographically linked to its predecessor through PreviousHash.
type LedgerEvent struct {
	ID             string `gorm:"primaryKey;size:36"`
	SequenceNumber int64  `gorm:"uniqueIndex;not null"`
	EventType      string `gorm:"size:50;index;not null"`

	WorkflowID string `gorm:"size:36;index"`
	TaskID     string `gorm:"size:36;index"`
	AgentID    string `gorm:"size:36;index"`

	Payload store.JSONMap `gorm:"type:text;not null"`

	ActorType string `gorm:"size:20;not null;default:system"`
	ActorID   string `gorm:"size:36"`

	PreviousHash string `gorm:"size:64"`
	EventHash    string `gorm:"size:64;uniqueIndex;not null"`

	// Optional detached signature for non-repudiation.
	Signature string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index"`
}

// LedgerBlock groups a contiguous run of events under one Merkle root so
// large sequences can be verified in batches.
type LedgerBlock struct {
	ID          string `gorm:"primaryKey;size:36"`
	BlockNumber int64  `gorm:"uniqueIndex;not null"`

	StartSequence int64 `gorm:"not null"`
	EndSequence   int64 `gorm:"not null"`
	EventCount    int64 `gorm:"not null"`

	PreviousBlockHash string `gorm:"size:64"`
	BlockHash         string `gorm:"size:64;uniqueIndex;not null"`
	MerkleRoot        string `gorm:"size:64;not null"`

	FinalizedAt time.Time `gorm:"not null"`
	CreatedAt   time.Time
}

// ComplianceCheckpoint validates that a workflow meets required conditions
// at a specific point in execution. Evaluation results are themselves
// recorded in the ledger.
type ComplianceCheckpoint struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:100;not null"`
	Description string `gorm:"type:text"`

	WorkflowID string `gorm:"size:36;index;not null"`
	TaskID     string `gorm:"size:36"`

	Status string `gorm:"size:20;not null;default:pending;index"`

	RuleDefinition     store.JSONMap `gorm:"type:text;not null"`
	VerificationResult store.JSONMap `gorm:"type:text"`

	VerifiedAt *time.Time

	LedgerEventID string `gorm:"size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditTrail aggregates per-workflow ledger activity for reporting.
type AuditTrail struct {
	ID           string `gorm:"primaryKey;size:36"`
	WorkflowID   string `gorm:"size:36;index;not null"`
	WorkflowName string `gorm:"size:200;not null"`

	Status            string `gorm:"size:20;not null;default:in_progress"`
	TotalEvents       int64  `gorm:"default:0"`
	TotalCheckpoints  int64  `gorm:"default:0"`
	PassedCheckpoints int64  `gorm:"default:0"`
	FailedCheckpoints int64  `gorm:"default:0"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	Metadata store.JSONMap `gorm:"type:text;not null"`

	// Hash of the workflow's final state, set when the trail is closed.
	FinalHash string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Models lists every ledger table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&LedgerEvent{},
		&LedgerBlock{},
		&ComplianceCheckpoint{},
		&AuditTrail{},
	}
}
