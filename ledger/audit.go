package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"uaef.dev/security"
	"uaef.dev/store"
)

// TrailStats carries counter increments for an audit trail.
type TrailStats struct {
	Events      int64
	Checkpoints int64
	Passed      int64
	Failed      int64
}

// AuditTrailService aggregates per-workflow ledger activity for compliance
// reporting.
type AuditTrailService struct {
	db *gorm.DB
}

// NewAuditTrailService builds an AuditTrailService on the shared store.
func NewAuditTrailService(s *store.Store) *AuditTrailService {
	return &AuditTrailService{db: s.DB}
}

// CreateTrail opens a trail for a workflow run.
func (s *AuditTrailService) CreateTrail(ctx context.Context, workflowID, workflowName string, metadata map[string]interface{}) (*AuditTrail, error) {
	if workflowID == "" || workflowName == "" {
		return nil, fmt.Errorf("workflow id and name are required")
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	trail := &AuditTrail{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Status:       "in_progress",
		StartedAt:    &now,
		Metadata:     store.JSONMap(metadata),
	}
	if err := s.db.WithContext(ctx).Create(trail).Error; err != nil {
		return nil, fmt.Errorf("audit trail creation failed: %w", err)
	}
	return trail, nil
}

// GetTrail returns the trail for a workflow.
func (s *AuditTrailService) GetTrail(ctx context.Context, workflowID string) (*AuditTrail, error) {
	var trail AuditTrail
	err := s.db.WithContext(ctx).First(&trail, "workflow_id = ?", workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("audit trail for workflow %s: %w", workflowID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &trail, nil
}

// UpdateTrailStats adds the given increments to a trail's counters. A
// missing trail is a no-op, matching fire-and-forget callers.
func (s *AuditTrailService) UpdateTrailStats(ctx context.Context, workflowID string, stats TrailStats) error {
	result := s.db.WithContext(ctx).
		Model(&AuditTrail{}).
		Where("workflow_id = ?", workflowID).
		Updates(map[string]interface{}{
			"total_events":       gorm.Expr("total_events + ?", stats.Events),
			"total_checkpoints":  gorm.Expr("total_checkpoints + ?", stats.Checkpoints),
			"passed_checkpoints": gorm.Expr("passed_checkpoints + ?", stats.Passed),
			"failed_checkpoints": gorm.Expr("failed_checkpoints + ?", stats.Failed),
		})
	return result.Error
}

// CompleteTrail closes a trail with its final status and state hash.
func (s *AuditTrailService) CompleteTrail(ctx context.Context, workflowID, status, finalHash string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	result := s.db.WithContext(ctx).
		Model(&AuditTrail{}).
		Where("workflow_id = ?", workflowID).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
			"final_hash":   finalHash,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("audit trail for workflow %s: %w", workflowID, store.ErrNotFound)
	}
	return nil
}
