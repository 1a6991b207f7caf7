package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"uaef.dev/common"
	"uaef.dev/security"
	"uaef.dev/store"
)

// ErrChainCollision reports that an append lost a uniqueness race on the
// sequence number or event hash. The caller may retry.
var ErrChainCollision = errors.New("ledger chain collision")

// hashTimestampFormat renders event timestamps for hashing. Millisecond
// precision matches what the database round-trips.
const hashTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// writerMu serializes ledger appends. The ledger assumes a single writer
// per process; the unique indexes on sequence_number and event_hash catch
// multi-process races.
var writerMu sync.Mutex

// EventInput describes one event to append to the ledger.
type EventInput struct {
	Type       string
	Payload    map[string]interface{}
	WorkflowID string
	TaskID     string
	AgentID    string
	ActorType  string
	ActorID    string
}

// EventService records and queries trust ledger events.
type EventService struct {
	db   *gorm.DB
	hash *security.HashService
}

// NewEventService builds an EventService on the shared store.
func NewEventService(s *store.Store) *EventService {
	return &EventService{db: s.DB, hash: security.NewHashService()}
}

// WithTx returns a copy of the service bound to the given transaction.
func (s *EventService) WithTx(tx *gorm.DB) *EventService {
	return &EventService{db: tx, hash: s.hash}
}

// nullable maps the zero string to JSON null so optional context fields hash
// the same whether absent or never set.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// eventHashData assembles the canonical map an event's hash commits to.
func eventHashData(e *LedgerEvent) map[string]interface{} {
	payload := map[string]interface{}(e.Payload)
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"sequence":      e.SequenceNumber,
		"type":          e.EventType,
		"workflow_id":   nullable(e.WorkflowID),
		"task_id":       nullable(e.TaskID),
		"agent_id":      nullable(e.AgentID),
		"actor_type":    e.ActorType,
		"actor_id":      nullable(e.ActorID),
		"payload":       payload,
		"previous_hash": nullable(e.PreviousHash),
		"timestamp":     e.CreatedAt.UTC().Format(hashTimestampFormat),
	}
}

// computeEventHash returns the hash an event must carry: the canonical hash
// of its data, chained to the previous event's hash when one exists.
func computeEventHash(h *security.HashService, e *LedgerEvent) (string, error) {
	inner, err := h.HashCanonical(eventHashData(e))
	if err != nil {
		return "", err
	}
	if e.PreviousHash == "" {
		return inner, nil
	}
	return h.HashChain(e.PreviousHash, inner), nil
}

// RecordEvent appends a new event to the ledger, linking it to the previous
// event's hash. Appends are serialized process-wide.
func (s *EventService) RecordEvent(ctx context.Context, in EventInput) (*LedgerEvent, error) {
	writerMu.Lock()
	defer writerMu.Unlock()

	if in.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	actorType := in.ActorType
	if actorType == "" {
		actorType = "system"
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	var nextSequence int64 = 1
	var previousHash string
	var last LedgerEvent
	err := s.db.WithContext(ctx).Order("sequence_number DESC").First(&last).Error
	switch {
	case err == nil:
		nextSequence = last.SequenceNumber + 1
		previousHash = last.EventHash
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Genesis event.
	default:
		return nil, fmt.Errorf("failed to read ledger head: %w", err)
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}

	event := &LedgerEvent{
		ID:             id,
		SequenceNumber: nextSequence,
		EventType:      in.Type,
		WorkflowID:     in.WorkflowID,
		TaskID:         in.TaskID,
		AgentID:        in.AgentID,
		Payload:        store.JSONMap(payload),
		ActorType:      actorType,
		ActorID:        in.ActorID,
		PreviousHash:   previousHash,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}

	event.EventHash, err = computeEventHash(s.hash, event)
	if err != nil {
		return nil, fmt.Errorf("event hashing failed: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: sequence %d", ErrChainCollision, nextSequence)
		}
		return nil, fmt.Errorf("event append failed: %w", err)
	}

	common.Logger.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"event_type":  event.EventType,
		"sequence":    event.SequenceNumber,
		"workflow_id": event.WorkflowID,
	}).Info("ledger event recorded")

	return event, nil
}

// GetEvent returns a single event by id.
func (s *EventService) GetEvent(ctx context.Context, eventID string) (*LedgerEvent, error) {
	var event LedgerEvent
	err := s.db.WithContext(ctx).First(&event, "id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetEventsByWorkflow returns a workflow's events in sequence order,
// optionally filtered by event type.
func (s *EventService) GetEventsByWorkflow(ctx context.Context, workflowID string, eventTypes []string, limit, offset int) ([]LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("sequence_number").
		Limit(limit).
		Offset(offset)
	if len(eventTypes) > 0 {
		query = query.Where("event_type IN ?", eventTypes)
	}

	var events []LedgerEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetEventChain returns events with sequence numbers in [start, end].
func (s *EventService) GetEventChain(ctx context.Context, startSequence, endSequence int64) ([]LedgerEvent, error) {
	var events []LedgerEvent
	err := s.db.WithContext(ctx).
		Where("sequence_number >= ? AND sequence_number <= ?", startSequence, endSequence).
		Order("sequence_number").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyChain checks hash integrity and linkage for a range of events. The
// returned detail names the first failing sequence; it is empty when the
// range is intact.
func (s *EventService) VerifyChain(ctx context.Context, startSequence, endSequence int64) (bool, string, error) {
	events, err := s.GetEventChain(ctx, startSequence, endSequence)
	if err != nil {
		return false, "", err
	}

	for i := range events {
		event := &events[i]
		expected, err := computeEventHash(s.hash, event)
		if err != nil {
			return false, "", err
		}
		if event.EventHash != expected {
			return false, fmt.Sprintf("hash mismatch at sequence %d", event.SequenceNumber), nil
		}
		if i > 0 && event.PreviousHash != events[i-1].EventHash {
			return false, fmt.Sprintf("chain break at sequence %d", event.SequenceNumber), nil
		}
	}
	return true, "", nil
}

// GetLatestSequence returns the highest sequence number, zero when the
// ledger is empty.
func (s *EventService) GetLatestSequence(ctx context.Context) (int64, error) {
	var latest int64
	err := s.db.WithContext(ctx).
		Model(&LedgerEvent{}).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, err
	}
	return latest, nil
}

// NextBlockRange reports the next full interval of unblocked events, if one
// has accumulated. Used to finalize blocks at the configured checkpoint
// interval.
func (s *EventService) NextBlockRange(ctx context.Context, interval int64) (start, end int64, ready bool, err error) {
	if interval <= 0 {
		return 0, 0, false, fmt.Errorf("block interval must be positive")
	}

	var blockedThrough int64
	var lastBlock LedgerBlock
	blockErr := s.db.WithContext(ctx).Order("block_number DESC").First(&lastBlock).Error
	switch {
	case blockErr == nil:
		blockedThrough = lastBlock.EndSequence
	case errors.Is(blockErr, gorm.ErrRecordNotFound):
		blockedThrough = 0
	default:
		return 0, 0, false, blockErr
	}

	latest, err := s.GetLatestSequence(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if latest-blockedThrough < interval {
		return 0, 0, false, nil
	}
	return blockedThrough + 1, blockedThrough + interval, true, nil
}

// ExportEvents renders a range of events in the stable wire form used by
// external verifiers. The record carries the column names; hash
// recomputation maps them back onto the shorter hash-input keys.
func (s *EventService) ExportEvents(ctx context.Context, startSequence, endSequence int64) ([]map[string]interface{}, error) {
	events, err := s.GetEventChain(ctx, startSequence, endSequence)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(events))
	for i := range events {
		e := &events[i]
		hashData := eventHashData(e)
		out = append(out, map[string]interface{}{
			"id":              e.ID,
			"sequence_number": e.SequenceNumber,
			"event_type":      e.EventType,
			"workflow_id":     hashData["workflow_id"],
			"task_id":         hashData["task_id"],
			"agent_id":        hashData["agent_id"],
			"actor_type":      e.ActorType,
			"actor_id":        hashData["actor_id"],
			"payload":         hashData["payload"],
			"previous_hash":   hashData["previous_hash"],
			"event_hash":      e.EventHash,
			"created_at":      hashData["timestamp"],
		})
	}
	return out, nil
}
