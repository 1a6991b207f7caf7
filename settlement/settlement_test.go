package settlement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uaef.dev/ledger"
	"uaef.dev/store"
)

func newSettlementService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	models := append(ledger.Models(), Models()...)
	require.NoError(t, s.Migrate(models...))

	svc, err := NewService(s)
	require.NoError(t, err)
	return svc, s
}

func dec(t *testing.T, v string) *decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return &d
}

func TestEvaluateConditionsOperators(t *testing.T) {
	data := map[string]interface{}{
		"status":          "completed",
		"completed_tasks": 4,
		"quality": map[string]interface{}{
			"score": 0.92,
		},
		"tier": "gold",
	}

	cases := []struct {
		name       string
		conditions map[string]interface{}
		want       bool
	}{
		{"bare equality", map[string]interface{}{"status": "completed"}, true},
		{"bare mismatch", map[string]interface{}{"status": "failed"}, false},
		{"explicit eq", map[string]interface{}{"status": map[string]interface{}{"$eq": "completed"}}, true},
		{"gt holds", map[string]interface{}{"completed_tasks": map[string]interface{}{"$gt": 3}}, true},
		{"gt fails", map[string]interface{}{"completed_tasks": map[string]interface{}{"$gt": 4}}, false},
		{"gte boundary", map[string]interface{}{"completed_tasks": map[string]interface{}{"$gte": 4}}, true},
		{"lt on nested path", map[string]interface{}{"quality.score": map[string]interface{}{"$lt": 1.0}}, true},
		{"lte fails", map[string]interface{}{"quality.score": map[string]interface{}{"$lte": 0.5}}, false},
		{"in holds", map[string]interface{}{"tier": map[string]interface{}{"$in": []interface{}{"silver", "gold"}}}, true},
		{"in fails", map[string]interface{}{"tier": map[string]interface{}{"$in": []interface{}{"bronze"}}}, false},
		{"missing path", map[string]interface{}{"quality.latency": map[string]interface{}{"$lt": 100}}, false},
		{"unknown operator", map[string]interface{}{"status": map[string]interface{}{"$regex": "comp.*"}}, false},
		{"numeric cross-type equality", map[string]interface{}{"completed_tasks": 4.0}, true},
		{"conjunction", map[string]interface{}{
			"status":          "completed",
			"completed_tasks": map[string]interface{}{"$gte": 2},
		}, true},
		{"conjunction fails on one", map[string]interface{}{
			"status":          "completed",
			"completed_tasks": map[string]interface{}{"$gte": 10},
		}, false},
		{"empty conditions always match", map[string]interface{}{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateConditions(tc.conditions, data))
		})
	}
}

func TestEvaluatorAmount(t *testing.T) {
	evaluator, err := NewEvaluator()
	require.NoError(t, err)

	data := map[string]interface{}{
		"completed_tasks": 4,
		"rate":            2.5,
	}

	amount, err := evaluator.EvaluateAmount("double(data.completed_tasks) * data.rate", data)
	require.NoError(t, err)
	assert.Equal(t, "10.00", amount.StringFixed(2))

	amount, err = evaluator.EvaluateAmount("1.0 / 3.0", data)
	require.NoError(t, err)
	assert.Equal(t, "0.33", amount.StringFixed(2))

	_, err = evaluator.EvaluateAmount("data.rate - 10.0", data)
	assert.Error(t, err)

	_, err = evaluator.EvaluateAmount("'not a number'", data)
	assert.Error(t, err)

	_, err = evaluator.EvaluateAmount("this is not CEL", data)
	assert.Error(t, err)
}

func TestEvaluatorSelector(t *testing.T) {
	evaluator, err := NewEvaluator()
	require.NoError(t, err)

	data := map[string]interface{}{
		"primary_agent_id": "agent-9",
	}

	recipient, err := evaluator.EvaluateSelector("data.primary_agent_id", data)
	require.NoError(t, err)
	assert.Equal(t, "agent-9", recipient)

	_, err = evaluator.EvaluateSelector("data.missing_field", data)
	assert.Error(t, err)
}

func TestCreateRuleValidation(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{})
	assert.Error(t, err)

	_, err = svc.CreateRule(ctx, RuleInput{Name: "fixed-no-amount", AmountType: AmountFixed})
	assert.Error(t, err)

	_, err = svc.CreateRule(ctx, RuleInput{Name: "calc-no-formula", AmountType: AmountCalculated})
	assert.Error(t, err)

	_, err = svc.CreateRule(ctx, RuleInput{
		Name:          "calc-bad-formula",
		AmountType:    AmountCalculated,
		AmountFormula: "not valid (",
	})
	assert.Error(t, err)

	rule, err := svc.CreateRule(ctx, RuleInput{
		Name:          "per-task-payout",
		AmountType:    AmountCalculated,
		AmountFormula: "double(data.completed_tasks) * 1.25",
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", rule.Currency)
	assert.Equal(t, RecipientAgent, rule.RecipientType)
	assert.True(t, rule.IsActive)

	fetched, err := svc.GetRuleByName(ctx, "per-task-payout")
	require.NoError(t, err)
	assert.Equal(t, rule.ID, fetched.ID)
}

func TestListActiveRulesScoping(t *testing.T) {
	svc, s := newSettlementService(t)
	ctx := context.Background()

	mk := func(name, scope string) {
		_, err := svc.CreateRule(ctx, RuleInput{
			Name:                 name,
			WorkflowDefinitionID: scope,
			AmountType:           AmountFixed,
			FixedAmount:          dec(t, "5.00"),
		})
		require.NoError(t, err)
	}
	mk("global", "")
	mk("scoped-a", "def-a")
	mk("scoped-b", "def-b")

	inactive, err := svc.CreateRule(ctx, RuleInput{
		Name:        "retired",
		AmountType:  AmountFixed,
		FixedAmount: dec(t, "5.00"),
	})
	require.NoError(t, err)
	require.NoError(t, s.DB.Model(inactive).Update("is_active", false).Error)

	rules, err := svc.ListActiveRules(ctx, "def-a")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "global", rules[0].Name)
	assert.Equal(t, "scoped-a", rules[1].Name)
}

func TestEvaluateTriggersFixedAmount(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:              "completion-bonus",
		TriggerConditions: map[string]interface{}{"status": "completed"},
		AmountType:        AmountFixed,
		FixedAmount:       dec(t, "12.50"),
		FixedRecipientID:  "agent-1",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-1", map[string]interface{}{
		"definition_id": "def-x",
		"status":        "completed",
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	signal := signals[0]
	assert.Equal(t, "12.5", signal.Amount.String())
	assert.Equal(t, "agent-1", signal.RecipientID)
	assert.Equal(t, SignalApproved, signal.Status)
	assert.Equal(t, "completion-bonus", signal.Metadata["rule_name"])

	// Conditions not met: no signal.
	signals, err = svc.EvaluateTriggers(ctx, "exec-2", map[string]interface{}{
		"status": "failed",
	})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestEvaluateTriggersCalculatedWithSelector(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:              "per-task",
		TriggerConditions: map[string]interface{}{"status": "completed"},
		AmountType:        AmountCalculated,
		AmountFormula:     "double(data.completed_tasks) * 2.0",
		RecipientSelector: "data.primary_agent_id",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-3", map[string]interface{}{
		"status":           "completed",
		"completed_tasks":  3,
		"primary_agent_id": "agent-7",
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "6.00", signals[0].Amount.StringFixed(2))
	assert.Equal(t, "agent-7", signals[0].RecipientID)
}

func TestEvaluateTriggersFormulaFailureDegrades(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:              "fragile",
		AmountType:        AmountCalculated,
		AmountFormula:     "double(data.missing_field) * 2.0",
		RecipientSelector: "data.also_missing",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-4", map[string]interface{}{
		"status": "completed",
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Amount.IsZero())
	assert.Equal(t, "unknown", signals[0].RecipientID)
}

func TestApprovalGating(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:              "large-payouts",
		AmountType:        AmountVariable,
		RequiresApproval:  true,
		ApprovalThreshold: dec(t, "50.00"),
		FixedRecipientID:  "agent-2",
	})
	require.NoError(t, err)

	above, err := svc.EvaluateTriggers(ctx, "exec-big", map[string]interface{}{
		"settlement_amount": 75.00,
	})
	require.NoError(t, err)
	require.Len(t, above, 1)
	assert.Equal(t, SignalPending, above[0].Status)

	below, err := svc.EvaluateTriggers(ctx, "exec-small", map[string]interface{}{
		"settlement_amount": 25.00,
	})
	require.NoError(t, err)
	require.Len(t, below, 1)
	assert.Equal(t, SignalApproved, below[0].Status)
}

func TestApprovalWithoutThresholdAlwaysPends(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:             "always-review",
		AmountType:       AmountFixed,
		FixedAmount:      dec(t, "1.00"),
		RequiresApproval: true,
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-5", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalPending, signals[0].Status)
}

func TestSignalStateMachine(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:             "review-first",
		AmountType:       AmountFixed,
		FixedAmount:      dec(t, "100.00"),
		RequiresApproval: true,
		FixedRecipientID: "agent-3",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-sm", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	id := signals[0].ID

	// Cannot process or retry from pending.
	_, err = svc.ProcessSignal(ctx, id, "txn-0")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.RetrySignal(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	approved, err := svc.ApproveSignal(ctx, id, "ops@corp")
	require.NoError(t, err)
	assert.Equal(t, SignalApproved, approved.Status)
	assert.Equal(t, "ops@corp", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	// Double approval rejected.
	_, err = svc.ApproveSignal(ctx, id, "ops@corp")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	processing, err := svc.BeginProcessing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SignalProcessing, processing.Status)

	// Cancellation only before processing starts.
	_, err = svc.CancelSignal(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	completed, err := svc.ProcessSignal(ctx, id, "txn-42")
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, completed.Status)
	assert.Equal(t, "txn-42", completed.TransactionID)
	require.NotNil(t, completed.ProcessedAt)

	// Terminal: no further transitions.
	_, err = svc.FailSignal(ctx, id, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSignalFailAndRetry(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:             "flaky-payout",
		AmountType:       AmountFixed,
		FixedAmount:      dec(t, "10.00"),
		FixedRecipientID: "agent-4",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-retry", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	id := signals[0].ID
	require.Equal(t, SignalApproved, signals[0].Status)

	failed, err := svc.FailSignal(ctx, id, "gateway timeout")
	require.NoError(t, err)
	assert.Equal(t, SignalFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "gateway timeout", failed.ErrorMessage)

	retried, err := svc.RetrySignal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SignalApproved, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.ErrorMessage)

	_, err = svc.ProcessSignal(ctx, id, "txn-99")
	require.NoError(t, err)
}

func TestCancelSignal(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:             "cancellable",
		AmountType:       AmountFixed,
		FixedAmount:      dec(t, "3.00"),
		FixedRecipientID: "agent-5",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-cancel", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	cancelled, err := svc.CancelSignal(ctx, signals[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SignalCancelled, cancelled.Status)

	_, err = svc.ApproveSignal(ctx, cancelled.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListSignalsFilters(t *testing.T) {
	svc, _ := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:             "list-me",
		AmountType:       AmountFixed,
		FixedAmount:      dec(t, "1.00"),
		FixedRecipientID: "agent-6",
	})
	require.NoError(t, err)

	for _, exec := range []string{"exec-a", "exec-b"} {
		_, err := svc.EvaluateTriggers(ctx, exec, map[string]interface{}{})
		require.NoError(t, err)
	}

	all, err := svc.ListSignals(ctx, SignalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byExec, err := svc.ListSignals(ctx, SignalFilter{WorkflowExecutionID: "exec-a"})
	require.NoError(t, err)
	require.Len(t, byExec, 1)
	assert.Equal(t, "exec-a", byExec[0].WorkflowExecutionID)

	byStatus, err := svc.ListSignals(ctx, SignalFilter{Status: SignalApproved})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byRecipient, err := svc.ListSignals(ctx, SignalFilter{RecipientID: "agent-6"})
	require.NoError(t, err)
	assert.Len(t, byRecipient, 2)
}

func TestSettlementEventsRecorded(t *testing.T) {
	svc, s := newSettlementService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{
		Name:             "audited",
		AmountType:       AmountFixed,
		FixedAmount:      dec(t, "9.99"),
		FixedRecipientID: "agent-8",
	})
	require.NoError(t, err)

	signals, err := svc.EvaluateTriggers(ctx, "exec-audit", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	_, err = svc.ProcessSignal(ctx, signals[0].ID, "txn-7")
	require.NoError(t, err)

	events := ledger.NewEventService(s)
	recorded, err := events.GetEventsByWorkflow(ctx, "exec-audit", nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, ledger.EventSettlementTriggered, recorded[0].EventType)
	assert.Equal(t, ledger.EventSettlementCompleted, recorded[1].EventType)
	assert.Equal(t, "9.99", recorded[0].Payload["amount"])
}
