package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"uaef.dev/security"
	"uaef.dev/store"
)

// ExecutionService records individual agent invocations and keeps each
// agent's reputation aggregates current.
type ExecutionService struct {
	store *store.Store
}

// NewExecutionService builds an ExecutionService on the shared store.
func NewExecutionService(s *store.Store) *ExecutionService {
	return &ExecutionService{store: s}
}

// Begin opens an execution record for an invocation that is about to run.
func (s *ExecutionService) Begin(ctx context.Context, agentID, userID string, input, execContext map[string]interface{}) (*AgentExecution, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if input == nil {
		input = map[string]interface{}{}
	}
	if execContext == nil {
		execContext = map[string]interface{}{}
	}
	execution := &AgentExecution{
		ID:        id,
		AgentID:   agentID,
		Status:    ExecutionRunning,
		InputData: store.JSONMap(input),
		Context:   store.JSONMap(execContext),
		StartedAt: &now,
		UserID:    userID,
		Currency:  "USD",
	}
	if err := s.store.DB.WithContext(ctx).Create(execution).Error; err != nil {
		return nil, fmt.Errorf("execution record creation failed: %w", err)
	}
	return execution, nil
}

// Complete closes an execution as successful and refreshes the agent's
// reputation.
func (s *ExecutionService) Complete(ctx context.Context, executionID string, output map[string]interface{}, cost decimal.Decimal, ledgerEventID string) (*AgentExecution, error) {
	return s.finish(ctx, executionID, ExecutionSuccess, output, cost, "", "", ledgerEventID)
}

// Fail closes an execution as failed and refreshes the agent's reputation.
func (s *ExecutionService) Fail(ctx context.Context, executionID, errorMessage, errorCode string) (*AgentExecution, error) {
	return s.finish(ctx, executionID, ExecutionFailed, nil, decimal.Zero, errorMessage, errorCode, "")
}

func (s *ExecutionService) finish(ctx context.Context, executionID, status string, output map[string]interface{}, cost decimal.Decimal, errorMessage, errorCode, ledgerEventID string) (*AgentExecution, error) {
	var execution AgentExecution
	err := s.store.DB.WithContext(ctx).First(&execution, "id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	execution.Status = status
	execution.CompletedAt = &now
	if execution.StartedAt != nil {
		execution.LatencyMs = now.Sub(*execution.StartedAt).Milliseconds()
	}
	if output != nil {
		execution.OutputData = store.JSONMap(output)
	}
	execution.Cost = cost
	execution.ErrorMessage = errorMessage
	execution.ErrorCode = errorCode
	execution.LedgerEventID = ledgerEventID

	if err := s.store.DB.WithContext(ctx).Save(&execution).Error; err != nil {
		return nil, err
	}
	if err := s.RecalculateReputation(ctx, execution.AgentID); err != nil {
		return nil, err
	}
	return &execution, nil
}

// ListByAgent returns an agent's executions, newest first.
func (s *ExecutionService) ListByAgent(ctx context.Context, agentID string, limit int) ([]AgentExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	var executions []AgentExecution
	err := s.store.DB.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&executions).Error
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// GetReputation returns an agent's reputation aggregate.
func (s *ExecutionService) GetReputation(ctx context.Context, agentID string) (*AgentReputation, error) {
	var reputation AgentReputation
	err := s.store.DB.WithContext(ctx).First(&reputation, "agent_id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("reputation for agent %s: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &reputation, nil
}

// RecalculateReputation rebuilds the reputation aggregate from the agent's
// finished executions. The trust score is the success rate scaled to 0-100,
// discounted while the sample is small.
func (s *ExecutionService) RecalculateReputation(ctx context.Context, agentID string) error {
	var executions []AgentExecution
	err := s.store.DB.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID, []string{ExecutionSuccess, ExecutionFailed, ExecutionTimeout}).
		Order("created_at").
		Find(&executions).Error
	if err != nil {
		return err
	}

	var total, successful, failed, latencySum int64
	totalCost := decimal.Zero
	var lastExecution, lastSuccess, lastFailure *time.Time
	for i := range executions {
		e := &executions[i]
		total++
		latencySum += e.LatencyMs
		totalCost = totalCost.Add(e.Cost)
		if e.CompletedAt != nil {
			lastExecution = e.CompletedAt
		}
		if e.Status == ExecutionSuccess {
			successful++
			lastSuccess = e.CompletedAt
		} else {
			failed++
			lastFailure = e.CompletedAt
		}
	}

	successRate := decimal.Zero
	avgLatency := decimal.Zero
	avgCost := decimal.Zero
	if total > 0 {
		successRate = decimal.NewFromInt(successful).DivRound(decimal.NewFromInt(total), 4)
		avgLatency = decimal.NewFromInt(latencySum).DivRound(decimal.NewFromInt(total), 2)
		avgCost = totalCost.DivRound(decimal.NewFromInt(total), 4)
	}

	// Scale confidence in the score with sample size, capped at 10 runs.
	confidence := decimal.NewFromInt(total).Div(decimal.NewFromInt(10))
	if confidence.GreaterThan(decimal.NewFromInt(1)) {
		confidence = decimal.NewFromInt(1)
	}
	trustScore := successRate.Mul(decimal.NewFromInt(100)).Mul(confidence).Round(2)

	var reputation AgentReputation
	err = s.store.DB.WithContext(ctx).First(&reputation, "agent_id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		id, idErr := security.GenerateEventID()
		if idErr != nil {
			return idErr
		}
		reputation = AgentReputation{ID: id, AgentID: agentID, Currency: "USD"}
	} else if err != nil {
		return err
	}

	reputation.TotalExecutions = total
	reputation.SuccessfulExecutions = successful
	reputation.FailedExecutions = failed
	reputation.SuccessRate = successRate
	reputation.AvgLatencyMs = avgLatency
	reputation.AvgCost = avgCost
	reputation.TotalCost = totalCost.Round(2)
	reputation.TrustScore = trustScore
	reputation.LastExecutionAt = lastExecution
	reputation.LastSuccessAt = lastSuccess
	reputation.LastFailureAt = lastFailure

	return s.store.DB.WithContext(ctx).Save(&reputation).Error
}
