package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uaef.dev/security"
	"uaef.dev/store"
)

func newLedgerStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite("")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(Models()...))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func recordN(t *testing.T, events *EventService, n int, workflowID string) []*LedgerEvent {
	t.Helper()
	out := make([]*LedgerEvent, 0, n)
	for i := 0; i < n; i++ {
		event, err := events.RecordEvent(context.Background(), EventInput{
			Type:       EventTaskCompleted,
			Payload:    map[string]interface{}{"step": fmt.Sprintf("%d", i)},
			WorkflowID: workflowID,
		})
		require.NoError(t, err)
		out = append(out, event)
	}
	return out
}

func TestRecordEventChain(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)

	first, err := events.RecordEvent(context.Background(), EventInput{
		Type:       EventWorkflowCreated,
		Payload:    map[string]interface{}{"name": "doc-review"},
		WorkflowID: "wf-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Empty(t, first.PreviousHash)
	assert.Len(t, first.EventHash, 64)
	assert.Equal(t, "system", first.ActorType)

	second, err := events.RecordEvent(context.Background(), EventInput{
		Type:       EventWorkflowStarted,
		WorkflowID: "wf-1",
		ActorType:  "user",
		ActorID:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, first.EventHash, second.PreviousHash)
	assert.NotEqual(t, first.EventHash, second.EventHash)
}

func TestRecordEventRequiresType(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)

	_, err := events.RecordEvent(context.Background(), EventInput{})
	assert.Error(t, err)
}

func TestVerifyChainIntact(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	recordN(t, events, 100, "wf-1")

	valid, detail, err := events.VerifyChain(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, detail)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	recordN(t, events, 50, "wf-1")

	err := s.DB.Model(&LedgerEvent{}).
		Where("sequence_number = ?", 37).
		Update("payload", `{"step":"forged"}`).Error
	require.NoError(t, err)

	valid, detail, err := events.VerifyChain(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, "hash mismatch at sequence 37", detail)
}

func TestVerifyChainDetectsBreak(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	all := recordN(t, events, 10, "wf-1")

	// Repoint event 5 at event 3's hash; its own hash stays consistent
	// with the forged link, so only linkage detection catches it.
	forged := &LedgerEvent{
		ID:             all[4].ID,
		SequenceNumber: all[4].SequenceNumber,
		EventType:      all[4].EventType,
		WorkflowID:     all[4].WorkflowID,
		Payload:        all[4].Payload,
		ActorType:      all[4].ActorType,
		PreviousHash:   all[2].EventHash,
		CreatedAt:      all[4].CreatedAt,
	}
	hash, err := computeEventHash(NewEventService(s).hash, forged)
	require.NoError(t, err)
	err = s.DB.Model(&LedgerEvent{}).
		Where("sequence_number = ?", 5).
		Updates(map[string]interface{}{"previous_hash": forged.PreviousHash, "event_hash": hash}).Error
	require.NoError(t, err)

	valid, detail, err := events.VerifyChain(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, "chain break at sequence 5", detail)
}

func TestGetEventsByWorkflowFilters(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)

	recordN(t, events, 3, "wf-1")
	recordN(t, events, 2, "wf-2")
	_, err := events.RecordEvent(context.Background(), EventInput{
		Type:       EventWorkflowCompleted,
		WorkflowID: "wf-1",
	})
	require.NoError(t, err)

	all, err := events.GetEventsByWorkflow(context.Background(), "wf-1", nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	completed, err := events.GetEventsByWorkflow(context.Background(), "wf-1", []string{EventWorkflowCompleted}, 0, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(6), completed[0].SequenceNumber)
}

func TestGetLatestSequence(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)

	latest, err := events.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest)

	recordN(t, events, 4, "wf-1")
	latest, err = events.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)
}

func TestExportEvents(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	recorded := recordN(t, events, 3, "wf-1")

	exported, err := events.ExportEvents(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, exported, 3)
	assert.Equal(t, recorded[0].ID, exported[0]["id"])
	assert.Equal(t, recorded[0].EventHash, exported[0]["event_hash"])
	assert.Equal(t, int64(2), exported[1]["sequence_number"])
	assert.Equal(t, EventTaskCompleted, exported[1]["event_type"])
	assert.Equal(t, "wf-1", exported[1]["workflow_id"])
	assert.NotEmpty(t, exported[2]["created_at"])

	// An offline verifier works from the exported record alone, remapping
	// the column names onto the hash-input keys before recomputing.
	hash := security.NewHashService()
	for _, record := range exported {
		inner, err := hash.HashCanonical(map[string]interface{}{
			"sequence":      record["sequence_number"],
			"type":          record["event_type"],
			"workflow_id":   record["workflow_id"],
			"task_id":       record["task_id"],
			"agent_id":      record["agent_id"],
			"actor_type":    record["actor_type"],
			"actor_id":      record["actor_id"],
			"payload":       record["payload"],
			"previous_hash": record["previous_hash"],
			"timestamp":     record["created_at"],
		})
		require.NoError(t, err)
		expected := inner
		if prev, ok := record["previous_hash"].(string); ok && prev != "" {
			expected = hash.HashChain(prev, inner)
		}
		assert.Equal(t, record["event_hash"], expected)
	}
}

func TestMerkleRoot(t *testing.T) {
	s := newLedgerStore(t)
	v := NewVerificationService(s)

	a, b, c := v.hash.Hash("a"), v.hash.Hash("b"), v.hash.Hash("c")

	assert.Equal(t, v.hash.Hash(""), v.merkleRoot(nil))
	assert.Equal(t, a, v.merkleRoot([]string{a}))
	assert.Equal(t, v.hash.Hash(a+b), v.merkleRoot([]string{a, b}))

	// The odd leaf is paired with itself.
	expected := v.hash.Hash(v.hash.Hash(a+b) + v.hash.Hash(c+c))
	assert.Equal(t, expected, v.merkleRoot([]string{a, b, c}))
}

func TestCreateAndVerifyBlock(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	v := NewVerificationService(s)
	recordN(t, events, 7, "wf-1")

	block, err := v.CreateBlock(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), block.BlockNumber)
	assert.Equal(t, int64(7), block.EventCount)
	assert.Empty(t, block.PreviousBlockHash)

	valid, detail, err := v.VerifyBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, detail)

	recordN(t, events, 3, "wf-1")
	second, err := v.CreateBlock(context.Background(), 8, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.BlockNumber)
	assert.Equal(t, block.BlockHash, second.PreviousBlockHash)
}

func TestVerifyBlockDetectsTampering(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	v := NewVerificationService(s)
	recordN(t, events, 5, "wf-1")

	_, err := v.CreateBlock(context.Background(), 1, 5)
	require.NoError(t, err)

	err = s.DB.Model(&LedgerEvent{}).
		Where("sequence_number = ?", 3).
		Update("event_hash", "0000000000000000000000000000000000000000000000000000000000000000").Error
	require.NoError(t, err)

	valid, detail, err := v.VerifyBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Contains(t, detail, "merkle root mismatch")
}

func TestCreateBlockEmptyRange(t *testing.T) {
	s := newLedgerStore(t)
	v := NewVerificationService(s)

	_, err := v.CreateBlock(context.Background(), 1, 10)
	assert.Error(t, err)
}

func TestNextBlockRange(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	v := NewVerificationService(s)

	_, _, ready, err := events.NextBlockRange(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, ready)

	recordN(t, events, 12, "wf-1")

	start, end, ready, err := events.NextBlockRange(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, int64(1), start)
	assert.Equal(t, int64(5), end)

	_, err = v.CreateBlock(context.Background(), start, end)
	require.NoError(t, err)

	start, end, ready, err = events.NextBlockRange(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, int64(6), start)
	assert.Equal(t, int64(10), end)

	_, err = v.CreateBlock(context.Background(), start, end)
	require.NoError(t, err)

	// Only two events remain past the last block.
	_, _, ready, err = events.NextBlockRange(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestVerificationSummary(t *testing.T) {
	s := newLedgerStore(t)
	events := NewEventService(s)
	v := NewVerificationService(s)
	recordN(t, events, 8, "wf-1")

	_, err := v.CreateBlock(context.Background(), 1, 5)
	require.NoError(t, err)

	summary, err := v.GetVerificationSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), summary.TotalEvents)
	assert.Equal(t, int64(1), summary.TotalBlocks)
	assert.Equal(t, int64(8), summary.LatestSequence)
	assert.Equal(t, int64(1), summary.LatestBlockNumber)
	assert.Equal(t, int64(3), summary.UnblockedEvents)
}

func TestEvaluateCheckpointRequiredFields(t *testing.T) {
	s := newLedgerStore(t)
	compliance := NewComplianceService(s)
	events := NewEventService(s)

	checkpoint, err := compliance.CreateCheckpoint(context.Background(), "inputs-present", "wf-1", map[string]interface{}{
		"type":   RuleRequiredFields,
		"fields": []interface{}{"document", "reviewer"},
	}, "", "")
	require.NoError(t, err)
	assert.Equal(t, CheckpointPending, checkpoint.Status)

	evaluated, err := compliance.EvaluateCheckpoint(context.Background(), checkpoint.ID, map[string]interface{}{
		"document": "d-1",
		"reviewer": "agent-2",
	})
	require.NoError(t, err)
	assert.Equal(t, CheckpointPassed, evaluated.Status)
	assert.NotEmpty(t, evaluated.LedgerEventID)
	require.NotNil(t, evaluated.VerifiedAt)

	recorded, err := events.GetEventsByWorkflow(context.Background(), "wf-1", []string{EventCheckpointPassed}, 0, 0)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, checkpoint.ID, recorded[0].Payload["checkpoint_id"])
}

func TestEvaluateCheckpointMissingField(t *testing.T) {
	s := newLedgerStore(t)
	compliance := NewComplianceService(s)
	events := NewEventService(s)

	checkpoint, err := compliance.CreateCheckpoint(context.Background(), "inputs-present", "wf-1", map[string]interface{}{
		"type":   RuleRequiredFields,
		"fields": []interface{}{"document", "reviewer"},
	}, "", "")
	require.NoError(t, err)

	evaluated, err := compliance.EvaluateCheckpoint(context.Background(), checkpoint.ID, map[string]interface{}{
		"document": "d-1",
	})
	require.NoError(t, err)
	assert.Equal(t, CheckpointFailed, evaluated.Status)

	failed, err := events.GetEventsByWorkflow(context.Background(), "wf-1", []string{EventCheckpointFailed}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestEvaluateCheckpointThreshold(t *testing.T) {
	s := newLedgerStore(t)
	compliance := NewComplianceService(s)

	checkpoint, err := compliance.CreateCheckpoint(context.Background(), "score-floor", "wf-1", map[string]interface{}{
		"type":  RuleThreshold,
		"field": "score",
		"min":   0.5,
		"max":   1.0,
	}, "", "")
	require.NoError(t, err)

	evaluated, err := compliance.EvaluateCheckpoint(context.Background(), checkpoint.ID, map[string]interface{}{"score": 0.8})
	require.NoError(t, err)
	assert.Equal(t, CheckpointPassed, evaluated.Status)

	below, err := compliance.CreateCheckpoint(context.Background(), "score-floor", "wf-1", map[string]interface{}{
		"type":  RuleThreshold,
		"field": "score",
		"min":   0.5,
	}, "", "")
	require.NoError(t, err)
	evaluated, err = compliance.EvaluateCheckpoint(context.Background(), below.ID, map[string]interface{}{"score": 0.3})
	require.NoError(t, err)
	assert.Equal(t, CheckpointFailed, evaluated.Status)

	missing, err := compliance.CreateCheckpoint(context.Background(), "score-floor", "wf-1", map[string]interface{}{
		"type":  RuleThreshold,
		"field": "score",
		"min":   0.5,
	}, "", "")
	require.NoError(t, err)
	evaluated, err = compliance.EvaluateCheckpoint(context.Background(), missing.ID, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, CheckpointFailed, evaluated.Status)
}

func TestRequireHumanReview(t *testing.T) {
	s := newLedgerStore(t)
	compliance := NewComplianceService(s)

	checkpoint, err := compliance.CreateCheckpoint(context.Background(), "manual-gate", "wf-1", map[string]interface{}{
		"type":   RuleRequiredFields,
		"fields": []interface{}{"sign_off"},
	}, "", "")
	require.NoError(t, err)

	reviewed, err := compliance.RequireHumanReview(context.Background(), checkpoint.ID, "amount above desk limit")
	require.NoError(t, err)
	assert.Equal(t, CheckpointRequiresReview, reviewed.Status)
	assert.Equal(t, true, reviewed.VerificationResult["requires_review"])
	assert.Equal(t, "amount above desk limit", reviewed.VerificationResult["reason"])
}

func TestAuditTrailLifecycle(t *testing.T) {
	s := newLedgerStore(t)
	trails := NewAuditTrailService(s)

	trail, err := trails.CreateTrail(context.Background(), "wf-1", "doc-review", map[string]interface{}{"team": "risk"})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", trail.Status)
	require.NotNil(t, trail.StartedAt)

	err = trails.UpdateTrailStats(context.Background(), "wf-1", TrailStats{Events: 5, Checkpoints: 2, Passed: 2})
	require.NoError(t, err)
	err = trails.UpdateTrailStats(context.Background(), "wf-1", TrailStats{Events: 1, Checkpoints: 1, Failed: 1})
	require.NoError(t, err)

	err = trails.CompleteTrail(context.Background(), "wf-1", "completed", "abc123")
	require.NoError(t, err)

	got, err := trails.GetTrail(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, int64(6), got.TotalEvents)
	assert.Equal(t, int64(3), got.TotalCheckpoints)
	assert.Equal(t, int64(2), got.PassedCheckpoints)
	assert.Equal(t, int64(1), got.FailedCheckpoints)
	assert.Equal(t, "abc123", got.FinalHash)
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteTrailMissing(t *testing.T) {
	s := newLedgerStore(t)
	trails := NewAuditTrailService(s)

	err := trails.CompleteTrail(context.Background(), "absent", "completed", "")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}
