// Package settlement turns completed workflows into payout signals. Rules
// declare trigger conditions, amount derivation, and recipients; signals
// track each payout through approval and processing.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"uaef.dev/store"
)

// Signal statuses.
const (
	SignalPending    = "pending"
	SignalApproved   = "approved"
	SignalProcessing = "processing"
	SignalCompleted  = "completed"
	SignalFailed     = "failed"
	SignalCancelled  = "cancelled"
)

// Amount derivation modes.
const (
	AmountFixed      = "fixed"
	AmountVariable   = "variable"
	AmountCalculated = "calculated"
)

// Recipient types.
const (
	RecipientAgent    = "agent"
	RecipientUser     = "user"
	RecipientExternal = "external"
	RecipientPool     = "pool"
)

// SettlementRule defines when and how a settlement is triggered for
// completed workflows.
type SettlementRule struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:100;not null;uniqueIndex"`
	Description string `gorm:"type:text"`

	// Empty scope matches every workflow definition.
	WorkflowDefinitionID string `gorm:"size:36;index"`

	TriggerConditions store.JSONMap `gorm:"type:text;not null"`

	AmountType    string              `gorm:"size:20;not null;default:fixed"`
	FixedAmount   decimal.NullDecimal `gorm:"type:decimal(18,2)"`
	AmountFormula string              `gorm:"type:text"`
	Currency      string              `gorm:"size:3;default:USD"`

	RecipientType     string `gorm:"size:20;not null;default:agent"`
	FixedRecipientID  string `gorm:"size:36"`
	RecipientSelector string `gorm:"type:text"`

	RequiresApproval  bool                `gorm:"default:false"`
	ApprovalThreshold decimal.NullDecimal `gorm:"type:decimal(18,2)"`

	IsActive bool `gorm:"default:true;index"`

	Metadata store.JSONMap `gorm:"type:text;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettlementSignal is one payout intent generated from a rule.
type SettlementSignal struct {
	ID                  string `gorm:"primaryKey;size:36"`
	WorkflowExecutionID string `gorm:"size:36;not null;index"`
	SettlementRuleID    string `gorm:"size:36;index"`

	Amount   decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	Currency string          `gorm:"size:3;not null"`

	RecipientType string `gorm:"size:20;not null"`
	RecipientID   string `gorm:"size:100;not null;index"`

	Status string `gorm:"size:20;not null;default:pending;index"`

	ApprovedBy string `gorm:"size:36"`
	ApprovedAt *time.Time

	ProcessedAt *time.Time
	// External payment system transaction id.
	TransactionID string `gorm:"size:100"`

	ErrorMessage string `gorm:"type:text"`
	RetryCount   int    `gorm:"default:0"`

	Metadata store.JSONMap `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// Models lists every settlement table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&SettlementRule{},
		&SettlementSignal{},
	}
}
