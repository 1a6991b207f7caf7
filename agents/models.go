// Package agents manages the registry of autonomous agents, their
// credentials, execution records, and reputation metrics.
package agents

import (
	"time"

	"github.com/shopspring/decimal"

	"uaef.dev/store"
)

// Supported agent platforms. Each platform has an adapter that knows how to
// invoke agents natively.
const (
	PlatformLangChain = "langchain"
	PlatformAutoGPT   = "autogpt"
	PlatformCrewAI    = "crewai"
	PlatformAutoGen   = "autogen"
	PlatformTemporal  = "temporal"
	PlatformClaude    = "claude"
	PlatformCustom    = "custom"
)

// Agent statuses.
const (
	StatusRegistered  = "registered"
	StatusActive      = "active"
	StatusBusy        = "busy"
	StatusPaused      = "paused"
	StatusError       = "error"
	StatusDeactivated = "deactivated"
)

// Agent execution statuses.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionSuccess   = "success"
	ExecutionFailed    = "failed"
	ExecutionTimeout   = "timeout"
	ExecutionCancelled = "cancelled"
)

// Agent is a registered autonomous agent. Agents are platform-agnostic;
// the platform field selects the adapter used to invoke them.
type Agent struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:100;not null;index"`
	Description string `gorm:"type:text"`

	Platform    string `gorm:"size:50;not null;default:claude;index"`
	EndpointURL string `gorm:"type:text"`

	Status string `gorm:"size:20;not null;default:registered;index"`

	Capabilities  store.StringList `gorm:"type:text;not null"`
	Configuration store.JSONMap    `gorm:"type:text;not null"`
	Metadata      store.JSONMap    `gorm:"type:text;not null"`

	// Model configuration for Claude agents.
	Model        string         `gorm:"size:50"`
	SystemPrompt string         `gorm:"type:text"`
	Tools        store.JSONList `gorm:"type:text;not null"`

	OwnerID string `gorm:"size:36"`

	TotalTasks      int64 `gorm:"default:0"`
	SuccessfulTasks int64 `gorm:"default:0"`
	FailedTasks     int64 `gorm:"default:0"`

	// Only the SHA-256 of the API key is stored.
	APIKeyHash string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentExecution records one agent invocation with its outcome and
// performance metrics.
type AgentExecution struct {
	ID      string `gorm:"primaryKey;size:36"`
	AgentID string `gorm:"size:36;not null;index"`

	Status string `gorm:"size:20;not null;default:pending;index"`

	InputData  store.JSONMap `gorm:"type:text;not null"`
	OutputData store.JSONMap `gorm:"type:text"`
	Context    store.JSONMap `gorm:"type:text;not null"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	LatencyMs int64           `gorm:"default:0"`
	Cost      decimal.Decimal `gorm:"type:decimal(10,4)"`
	Currency  string          `gorm:"size:3;default:USD"`

	ErrorMessage string `gorm:"type:text"`
	ErrorCode    string `gorm:"size:50"`

	LedgerEventID string `gorm:"size:36"`
	UserID        string `gorm:"size:36;index"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// AgentReputation aggregates an agent's execution history into quality and
// trust metrics.
type AgentReputation struct {
	ID      string `gorm:"primaryKey;size:36"`
	AgentID string `gorm:"size:36;not null;uniqueIndex"`

	TotalExecutions      int64 `gorm:"default:0"`
	SuccessfulExecutions int64 `gorm:"default:0"`
	FailedExecutions     int64 `gorm:"default:0"`

	SuccessRate decimal.Decimal `gorm:"type:decimal(5,4)"`

	AvgLatencyMs decimal.Decimal `gorm:"type:decimal(10,2)"`

	AvgCost   decimal.Decimal `gorm:"type:decimal(10,4)"`
	TotalCost decimal.Decimal `gorm:"type:decimal(10,2)"`
	Currency  string          `gorm:"size:3;default:USD"`

	// 0-100, derived from success rate and volume.
	TrustScore decimal.Decimal `gorm:"type:decimal(5,2);index"`

	LastExecutionAt *time.Time
	LastSuccessAt   *time.Time
	LastFailureAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Models lists every agent table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Agent{},
		&AgentExecution{},
		&AgentReputation{},
	}
}
