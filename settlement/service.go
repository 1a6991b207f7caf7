package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"uaef.dev/common"
	"uaef.dev/ledger"
	"uaef.dev/security"
	"uaef.dev/store"
)

// ErrInvalidTransition reports a signal status change that the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid settlement transition")

// RuleInput describes a new settlement rule.
type RuleInput struct {
	Name                 string
	Description          string
	WorkflowDefinitionID string
	TriggerConditions    map[string]interface{}
	AmountType           string
	FixedAmount          *decimal.Decimal
	AmountFormula        string
	Currency             string
	RecipientType        string
	FixedRecipientID     string
	RecipientSelector    string
	RequiresApproval     bool
	ApprovalThreshold    *decimal.Decimal
	Metadata             map[string]interface{}
}

// SignalFilter narrows signal listings. Zero values match everything.
type SignalFilter struct {
	WorkflowExecutionID string
	Status              string
	RecipientID         string
}

// Service manages settlement rules and signals. Signal generation and every
// terminal transition are recorded in the trust ledger.
type Service struct {
	store     *store.Store
	events    *ledger.EventService
	evaluator *Evaluator
}

// NewService builds a settlement Service on the shared store.
func NewService(s *store.Store) (*Service, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     s,
		events:    ledger.NewEventService(s),
		evaluator: evaluator,
	}, nil
}

// CreateRule validates and stores a settlement rule.
func (s *Service) CreateRule(ctx context.Context, in RuleInput) (*SettlementRule, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	amountType := in.AmountType
	if amountType == "" {
		amountType = AmountFixed
	}
	switch amountType {
	case AmountFixed:
		if in.FixedAmount == nil {
			return nil, fmt.Errorf("fixed_amount is required for fixed rules")
		}
	case AmountVariable:
		// Amount comes from workflow data at evaluation time.
	case AmountCalculated:
		if in.AmountFormula == "" {
			return nil, fmt.Errorf("amount_formula is required for calculated rules")
		}
		if err := s.evaluator.Check(in.AmountFormula); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown amount type: %s", amountType)
	}
	if in.RecipientSelector != "" {
		if err := s.evaluator.Check(in.RecipientSelector); err != nil {
			return nil, err
		}
	}

	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}
	recipientType := in.RecipientType
	if recipientType == "" {
		recipientType = RecipientAgent
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	rule := &SettlementRule{
		ID:                   id,
		Name:                 in.Name,
		Description:          in.Description,
		WorkflowDefinitionID: in.WorkflowDefinitionID,
		TriggerConditions:    store.JSONMap(in.TriggerConditions),
		AmountType:           amountType,
		AmountFormula:        in.AmountFormula,
		Currency:             currency,
		RecipientType:        recipientType,
		FixedRecipientID:     in.FixedRecipientID,
		RecipientSelector:    in.RecipientSelector,
		RequiresApproval:     in.RequiresApproval,
		IsActive:             true,
		Metadata:             store.JSONMap(in.Metadata),
	}
	if rule.TriggerConditions == nil {
		rule.TriggerConditions = store.JSONMap{}
	}
	if rule.Metadata == nil {
		rule.Metadata = store.JSONMap{}
	}
	if in.FixedAmount != nil {
		rule.FixedAmount = decimal.NewNullDecimal(*in.FixedAmount)
	}
	if in.ApprovalThreshold != nil {
		rule.ApprovalThreshold = decimal.NewNullDecimal(*in.ApprovalThreshold)
	}

	if err := s.store.DB.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("rule creation failed: %w", err)
	}

	common.Logger.WithFields(logrus.Fields{
		"rule_id":     rule.ID,
		"name":        rule.Name,
		"amount_type": amountType,
	}).Info("settlement rule created")

	return rule, nil
}

// GetRule returns a rule by id.
func (s *Service) GetRule(ctx context.Context, ruleID string) (*SettlementRule, error) {
	var rule SettlementRule
	err := s.store.DB.WithContext(ctx).First(&rule, "id = ?", ruleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settlement rule %s: %w", ruleID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRuleByName returns a rule by its unique name.
func (s *Service) GetRuleByName(ctx context.Context, name string) (*SettlementRule, error) {
	var rule SettlementRule
	err := s.store.DB.WithContext(ctx).First(&rule, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settlement rule %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListActiveRules returns active rules scoped to a workflow definition.
// Rules with no scope match every definition.
func (s *Service) ListActiveRules(ctx context.Context, workflowDefinitionID string) ([]SettlementRule, error) {
	query := s.store.DB.WithContext(ctx).Where("is_active = ?", true).Order("name")
	if workflowDefinitionID != "" {
		query = query.Where("workflow_definition_id = ? OR workflow_definition_id = ''", workflowDefinitionID)
	}
	var rules []SettlementRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// EvaluateTriggers runs every applicable rule against a completed
// workflow's data and generates signals for those whose conditions hold.
func (s *Service) EvaluateTriggers(ctx context.Context, workflowExecutionID string, workflowData map[string]interface{}) ([]SettlementSignal, error) {
	definitionID, _ := workflowData["definition_id"].(string)
	rules, err := s.ListActiveRules(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	var signals []SettlementSignal
	for i := range rules {
		rule := &rules[i]
		if !EvaluateConditions(map[string]interface{}(rule.TriggerConditions), workflowData) {
			continue
		}
		signal, err := s.generateSignal(ctx, rule, workflowExecutionID, workflowData)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *signal)
	}
	return signals, nil
}

// resolveAmount derives the signal amount per the rule's amount type.
// Formula failures degrade to zero rather than blocking the signal.
func (s *Service) resolveAmount(rule *SettlementRule, workflowData map[string]interface{}) decimal.Decimal {
	switch rule.AmountType {
	case AmountFixed:
		if rule.FixedAmount.Valid {
			return rule.FixedAmount.Decimal
		}
	case AmountVariable:
		if raw, ok := workflowData["settlement_amount"]; ok {
			if amount, err := decimal.NewFromString(fmt.Sprintf("%v", raw)); err == nil {
				return amount.Round(2)
			}
		}
	case AmountCalculated:
		amount, err := s.evaluator.EvaluateAmount(rule.AmountFormula, workflowData)
		if err != nil {
			common.Logger.WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"formula": rule.AmountFormula,
			}).WithError(err).Error("settlement formula failed")
			return decimal.Zero
		}
		return amount
	}
	return decimal.Zero
}

// resolveRecipient picks the payout recipient: fixed id, then selector,
// then the workflow's primary agent, then "unknown".
func (s *Service) resolveRecipient(rule *SettlementRule, workflowData map[string]interface{}) string {
	if rule.FixedRecipientID != "" {
		return rule.FixedRecipientID
	}
	if rule.RecipientSelector != "" {
		recipient, err := s.evaluator.EvaluateSelector(rule.RecipientSelector, workflowData)
		if err != nil {
			common.Logger.WithFields(logrus.Fields{
				"rule_id":  rule.ID,
				"selector": rule.RecipientSelector,
			}).WithError(err).Error("settlement recipient selector failed")
			return "unknown"
		}
		return recipient
	}
	if primary, ok := workflowData["primary_agent_id"].(string); ok && primary != "" {
		return primary
	}
	return "unknown"
}

func (s *Service) generateSignal(ctx context.Context, rule *SettlementRule, workflowExecutionID string, workflowData map[string]interface{}) (*SettlementSignal, error) {
	amount := s.resolveAmount(rule, workflowData)
	recipient := s.resolveRecipient(rule, workflowData)

	status := SignalApproved
	if rule.RequiresApproval && (!rule.ApprovalThreshold.Valid || amount.GreaterThanOrEqual(rule.ApprovalThreshold.Decimal)) {
		status = SignalPending
	}

	dataKeys := make([]interface{}, 0, len(workflowData))
	for key := range workflowData {
		dataKeys = append(dataKeys, key)
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}
	signal := &SettlementSignal{
		ID:                  id,
		WorkflowExecutionID: workflowExecutionID,
		SettlementRuleID:    rule.ID,
		Amount:              amount,
		Currency:            rule.Currency,
		RecipientType:       rule.RecipientType,
		RecipientID:         recipient,
		Status:              status,
		Metadata: store.JSONMap{
			"rule_name":          rule.Name,
			"workflow_data_keys": dataKeys,
		},
	}
	if err := s.store.DB.WithContext(ctx).Create(signal).Error; err != nil {
		return nil, fmt.Errorf("signal creation failed: %w", err)
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventSettlementTriggered,
		Payload: map[string]interface{}{
			"signal_id":    signal.ID,
			"rule_name":    rule.Name,
			"amount":       amount.StringFixed(2),
			"currency":     rule.Currency,
			"recipient_id": recipient,
			"status":       status,
		},
		WorkflowID: workflowExecutionID,
	}); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"signal_id":    signal.ID,
		"rule_id":      rule.ID,
		"amount":       amount.StringFixed(2),
		"recipient_id": recipient,
	}).Info("settlement signal generated")

	return signal, nil
}

// GetSignal returns a signal by id.
func (s *Service) GetSignal(ctx context.Context, signalID string) (*SettlementSignal, error) {
	var signal SettlementSignal
	err := s.store.DB.WithContext(ctx).First(&signal, "id = ?", signalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settlement signal %s: %w", signalID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &signal, nil
}

// ListSignals returns signals matching the filter, newest first.
func (s *Service) ListSignals(ctx context.Context, filter SignalFilter) ([]SettlementSignal, error) {
	query := s.store.DB.WithContext(ctx).Order("created_at DESC")
	if filter.WorkflowExecutionID != "" {
		query = query.Where("workflow_execution_id = ?", filter.WorkflowExecutionID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.RecipientID != "" {
		query = query.Where("recipient_id = ?", filter.RecipientID)
	}
	var signals []SettlementSignal
	if err := query.Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

// ApproveSignal moves a pending signal to approved.
func (s *Service) ApproveSignal(ctx context.Context, signalID, approvedBy string) (*SettlementSignal, error) {
	signal, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal.Status != SignalPending {
		return nil, fmt.Errorf("%w: signal %s is %s, not pending", ErrInvalidTransition, signalID, signal.Status)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	signal.Status = SignalApproved
	signal.ApprovedBy = approvedBy
	signal.ApprovedAt = &now
	if err := s.store.DB.WithContext(ctx).Save(signal).Error; err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"signal_id":   signalID,
		"approved_by": approvedBy,
	}).Info("settlement signal approved")

	return signal, nil
}

// BeginProcessing moves an approved signal to processing.
func (s *Service) BeginProcessing(ctx context.Context, signalID string) (*SettlementSignal, error) {
	signal, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal.Status != SignalApproved {
		return nil, fmt.Errorf("%w: signal %s is %s, not approved", ErrInvalidTransition, signalID, signal.Status)
	}
	signal.Status = SignalProcessing
	if err := s.store.DB.WithContext(ctx).Save(signal).Error; err != nil {
		return nil, err
	}
	return signal, nil
}

// ProcessSignal completes an approved or processing signal with the
// external transaction id.
func (s *Service) ProcessSignal(ctx context.Context, signalID, transactionID string) (*SettlementSignal, error) {
	signal, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal.Status != SignalApproved && signal.Status != SignalProcessing {
		return nil, fmt.Errorf("%w: signal %s is %s, must be approved or processing", ErrInvalidTransition, signalID, signal.Status)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	signal.Status = SignalCompleted
	signal.ProcessedAt = &now
	signal.TransactionID = transactionID
	if err := s.store.DB.WithContext(ctx).Save(signal).Error; err != nil {
		return nil, err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventSettlementCompleted,
		Payload: map[string]interface{}{
			"signal_id":      signalID,
			"transaction_id": transactionID,
			"amount":         signal.Amount.StringFixed(2),
			"recipient_id":   signal.RecipientID,
		},
		WorkflowID: signal.WorkflowExecutionID,
	}); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"signal_id":      signalID,
		"transaction_id": transactionID,
	}).Info("settlement signal completed")

	return signal, nil
}

// FailSignal marks an active signal as failed and counts the attempt.
func (s *Service) FailSignal(ctx context.Context, signalID, errorMessage string) (*SettlementSignal, error) {
	signal, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	switch signal.Status {
	case SignalPending, SignalApproved, SignalProcessing:
	default:
		return nil, fmt.Errorf("%w: signal %s is %s, already terminal", ErrInvalidTransition, signalID, signal.Status)
	}

	signal.Status = SignalFailed
	signal.ErrorMessage = errorMessage
	signal.RetryCount++
	if err := s.store.DB.WithContext(ctx).Save(signal).Error; err != nil {
		return nil, err
	}

	if _, err := s.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventSettlementFailed,
		Payload: map[string]interface{}{
			"signal_id":   signalID,
			"error":       errorMessage,
			"retry_count": signal.RetryCount,
		},
		WorkflowID: signal.WorkflowExecutionID,
	}); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"signal_id": signalID,
		"error":     errorMessage,
	}).Error("settlement signal failed")

	return signal, nil
}

// RetrySignal moves a failed signal back to approved for another attempt,
// retaining its retry count.
func (s *Service) RetrySignal(ctx context.Context, signalID string) (*SettlementSignal, error) {
	signal, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal.Status != SignalFailed {
		return nil, fmt.Errorf("%w: signal %s is %s, not failed", ErrInvalidTransition, signalID, signal.Status)
	}
	signal.Status = SignalApproved
	signal.ErrorMessage = ""
	if err := s.store.DB.WithContext(ctx).Save(signal).Error; err != nil {
		return nil, err
	}
	return signal, nil
}

// CancelSignal terminates a signal that has not started processing.
func (s *Service) CancelSignal(ctx context.Context, signalID string) (*SettlementSignal, error) {
	signal, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if signal.Status != SignalPending && signal.Status != SignalApproved {
		return nil, fmt.Errorf("%w: signal %s is %s, must be pending or approved", ErrInvalidTransition, signalID, signal.Status)
	}
	signal.Status = SignalCancelled
	if err := s.store.DB.WithContext(ctx).Save(signal).Error; err != nil {
		return nil, err
	}
	return signal, nil
}
