package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"uaef.dev/common"
	"uaef.dev/security"
	"uaef.dev/store"
)

// Compliance rule kinds understood by checkpoint evaluation.
const (
	RuleRequiredFields = "required_fields"
	RuleThreshold      = "threshold"
)

// evaluateRequiredFields checks that every named field is present in the
// context.
func evaluateRequiredFields(fields []string, context map[string]interface{}) (bool, map[string]interface{}) {
	missing := []string{}
	for _, f := range fields {
		if _, ok := context[f]; !ok {
			missing = append(missing, f)
		}
	}
	required := make([]interface{}, len(fields))
	for i, f := range fields {
		required[i] = f
	}
	missingList := make([]interface{}, len(missing))
	for i, f := range missing {
		missingList[i] = f
	}
	return len(missing) == 0, map[string]interface{}{
		"required": required,
		"missing":  missingList,
	}
}

// evaluateThreshold checks that a numeric field sits within the configured
// bounds. A missing or non-numeric field fails.
func evaluateThreshold(field string, minValue, maxValue *float64, context map[string]interface{}) (bool, map[string]interface{}) {
	raw, ok := context[field]
	if !ok {
		return false, map[string]interface{}{"error": fmt.Sprintf("field %s not found", field)}
	}
	value, ok := toFloat(raw)
	if !ok {
		return false, map[string]interface{}{"error": fmt.Sprintf("field %s is not numeric", field)}
	}

	passed := true
	if minValue != nil && value < *minValue {
		passed = false
	}
	if maxValue != nil && value > *maxValue {
		passed = false
	}

	result := map[string]interface{}{"field": field, "value": value}
	if minValue != nil {
		result["min"] = *minValue
	}
	if maxValue != nil {
		result["max"] = *maxValue
	}
	return passed, result
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ComplianceService manages compliance checkpoints and records their
// outcomes in the ledger.
type ComplianceService struct {
	store  *store.Store
	events *EventService
}

// NewComplianceService builds a ComplianceService on the shared store.
func NewComplianceService(s *store.Store) *ComplianceService {
	return &ComplianceService{store: s, events: NewEventService(s)}
}

// CreateCheckpoint registers a checkpoint with its rule definition. The
// checkpoint starts pending until evaluated.
func (s *ComplianceService) CreateCheckpoint(ctx context.Context, name, workflowID string, ruleDefinition map[string]interface{}, taskID, description string) (*ComplianceCheckpoint, error) {
	if name == "" || workflowID == "" {
		return nil, fmt.Errorf("checkpoint name and workflow id are required")
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	checkpoint := &ComplianceCheckpoint{
		ID:             id,
		Name:           name,
		Description:    description,
		WorkflowID:     workflowID,
		TaskID:         taskID,
		Status:         CheckpointPending,
		RuleDefinition: store.JSONMap(ruleDefinition),
	}
	if err := s.store.DB.WithContext(ctx).Create(checkpoint).Error; err != nil {
		return nil, fmt.Errorf("checkpoint creation failed: %w", err)
	}

	common.Logger.WithFields(logrus.Fields{
		"checkpoint_id": checkpoint.ID,
		"name":          name,
		"workflow_id":   workflowID,
	}).Info("compliance checkpoint created")

	return checkpoint, nil
}

// EvaluateCheckpoint runs a checkpoint's rule against the given context and
// records the result. The checkpoint update and ledger event land in one
// transaction so a verdict is never persisted without its ledger record.
func (s *ComplianceService) EvaluateCheckpoint(ctx context.Context, checkpointID string, evalContext map[string]interface{}) (*ComplianceCheckpoint, error) {
	var checkpoint ComplianceCheckpoint

	err := s.store.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).First(&checkpoint, "id = ?", checkpointID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("checkpoint %s: %w", checkpointID, store.ErrNotFound)
			}
			return err
		}

		ruleType, _ := checkpoint.RuleDefinition["type"].(string)
		if ruleType == "" {
			ruleType = RuleRequiredFields
		}

		var passed bool
		var result map[string]interface{}
		switch ruleType {
		case RuleRequiredFields:
			passed, result = evaluateRequiredFields(stringSlice(checkpoint.RuleDefinition["fields"]), evalContext)
		case RuleThreshold:
			field, _ := checkpoint.RuleDefinition["field"].(string)
			passed, result = evaluateThreshold(field, floatPtr(checkpoint.RuleDefinition["min"]), floatPtr(checkpoint.RuleDefinition["max"]), evalContext)
		default:
			return fmt.Errorf("unknown compliance rule type: %s", ruleType)
		}

		status := CheckpointFailed
		eventType := EventCheckpointFailed
		if passed {
			status = CheckpointPassed
			eventType = EventCheckpointPassed
		}

		event, err := s.events.WithTx(tx).RecordEvent(ctx, EventInput{
			Type: eventType,
			Payload: map[string]interface{}{
				"checkpoint_id":   checkpoint.ID,
				"checkpoint_name": checkpoint.Name,
				"result":          result,
			},
			WorkflowID: checkpoint.WorkflowID,
			TaskID:     checkpoint.TaskID,
		})
		if err != nil {
			return err
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		checkpoint.Status = status
		checkpoint.VerificationResult = store.JSONMap(result)
		checkpoint.VerifiedAt = &now
		checkpoint.LedgerEventID = event.ID
		return tx.WithContext(ctx).Save(&checkpoint).Error
	})
	if err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"checkpoint_id": checkpoint.ID,
		"status":        checkpoint.Status,
		"workflow_id":   checkpoint.WorkflowID,
	}).Info("compliance checkpoint evaluated")

	return &checkpoint, nil
}

// GetCheckpoint returns a checkpoint by id.
func (s *ComplianceService) GetCheckpoint(ctx context.Context, checkpointID string) (*ComplianceCheckpoint, error) {
	var checkpoint ComplianceCheckpoint
	err := s.store.DB.WithContext(ctx).First(&checkpoint, "id = ?", checkpointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// GetCheckpointsByWorkflow returns a workflow's checkpoints in creation
// order, optionally filtered by status.
func (s *ComplianceService) GetCheckpointsByWorkflow(ctx context.Context, workflowID, status string) ([]ComplianceCheckpoint, error) {
	query := s.store.DB.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var checkpoints []ComplianceCheckpoint
	if err := query.Find(&checkpoints).Error; err != nil {
		return nil, err
	}
	return checkpoints, nil
}

// GetPendingCheckpoints returns a workflow's unevaluated checkpoints.
func (s *ComplianceService) GetPendingCheckpoints(ctx context.Context, workflowID string) ([]ComplianceCheckpoint, error) {
	return s.GetCheckpointsByWorkflow(ctx, workflowID, CheckpointPending)
}

// RequireHumanReview flags a checkpoint for manual review instead of
// automatic evaluation.
func (s *ComplianceService) RequireHumanReview(ctx context.Context, checkpointID, reason string) (*ComplianceCheckpoint, error) {
	checkpoint, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	checkpoint.Status = CheckpointRequiresReview
	checkpoint.VerificationResult = store.JSONMap{
		"requires_review": true,
		"reason":          reason,
	}
	if err := s.store.DB.WithContext(ctx).Save(checkpoint).Error; err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// stringSlice coerces a JSON-decoded value into []string, dropping
// non-string members.
func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// floatPtr coerces a JSON-decoded value into *float64, nil when absent or
// non-numeric.
func floatPtr(v interface{}) *float64 {
	if v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}
