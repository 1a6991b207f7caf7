package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"uaef.dev/common"
	"uaef.dev/security"
	"uaef.dev/store"
)

// ChainError describes one integrity failure found while verifying a range.
type ChainError struct {
	Sequence int64  `json:"sequence"`
	Detail   string `json:"detail"`
}

// VerificationSummary reports overall ledger verification status.
type VerificationSummary struct {
	TotalEvents       int64 `json:"total_events"`
	TotalBlocks       int64 `json:"total_blocks"`
	LatestSequence    int64 `json:"latest_sequence"`
	LatestBlockNumber int64 `json:"latest_block_number"`
	UnblockedEvents   int64 `json:"unblocked_events"`
}

// VerificationService checks ledger integrity and finalizes blocks.
type VerificationService struct {
	db   *gorm.DB
	hash *security.HashService
}

// NewVerificationService builds a VerificationService on the shared store.
func NewVerificationService(s *store.Store) *VerificationService {
	return &VerificationService{db: s.DB, hash: security.NewHashService()}
}

// VerifyEvent recomputes one event's hash from its stored fields. The detail
// is empty when the event is intact.
func (s *VerificationService) VerifyEvent(ctx context.Context, eventID string) (bool, string, error) {
	var event LedgerEvent
	err := s.db.WithContext(ctx).First(&event, "id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Sprintf("event %s not found", eventID), nil
	}
	if err != nil {
		return false, "", err
	}

	expected, err := computeEventHash(s.hash, &event)
	if err != nil {
		return false, "", err
	}
	if event.EventHash != expected {
		return false, fmt.Sprintf("hash mismatch for event %s", eventID), nil
	}
	return true, "", nil
}

// VerifyChainRange verifies every event in [start, end] and collects all
// failures rather than stopping at the first.
func (s *VerificationService) VerifyChainRange(ctx context.Context, startSequence, endSequence int64) (bool, []ChainError, error) {
	var events []LedgerEvent
	err := s.db.WithContext(ctx).
		Where("sequence_number >= ? AND sequence_number <= ?", startSequence, endSequence).
		Order("sequence_number").
		Find(&events).Error
	if err != nil {
		return false, nil, err
	}

	var chainErrors []ChainError
	var previousHash string
	for i := range events {
		event := &events[i]

		// The first event in the range carries whatever predecessor it was
		// recorded against; linkage is only checkable within the range.
		if i > 0 && event.PreviousHash != previousHash {
			chainErrors = append(chainErrors, ChainError{
				Sequence: event.SequenceNumber,
				Detail:   "chain break: previous hash mismatch",
			})
		}

		expected, err := computeEventHash(s.hash, event)
		if err != nil {
			return false, nil, err
		}
		if event.EventHash != expected {
			chainErrors = append(chainErrors, ChainError{
				Sequence: event.SequenceNumber,
				Detail:   "hash mismatch",
			})
		}

		previousHash = event.EventHash
	}
	return len(chainErrors) == 0, chainErrors, nil
}

// merkleRoot folds a list of event hashes into a single root, duplicating
// the last leaf at odd levels.
func (s *VerificationService) merkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return s.hash.Hash("")
	}
	level := append([]string(nil), hashes...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, s.hash.Hash(left+right))
		}
		level = next
	}
	return level[0]
}

// blockHashData assembles the canonical map a block's hash commits to.
func blockHashData(b *LedgerBlock) map[string]interface{} {
	return map[string]interface{}{
		"block_number":        b.BlockNumber,
		"start_sequence":      b.StartSequence,
		"end_sequence":        b.EndSequence,
		"merkle_root":         b.MerkleRoot,
		"previous_block_hash": nullable(b.PreviousBlockHash),
	}
}

// CreateBlock finalizes the events in [start, end] into a new block chained
// to the previous block.
func (s *VerificationService) CreateBlock(ctx context.Context, startSequence, endSequence int64) (*LedgerBlock, error) {
	var events []LedgerEvent
	err := s.db.WithContext(ctx).
		Where("sequence_number >= ? AND sequence_number <= ?", startSequence, endSequence).
		Order("sequence_number").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events in range %d-%d", startSequence, endSequence)
	}

	hashes := make([]string, len(events))
	for i := range events {
		hashes[i] = events[i].EventHash
	}

	var previousBlockHash string
	var nextBlockNumber int64 = 1
	var lastBlock LedgerBlock
	blockErr := s.db.WithContext(ctx).Order("block_number DESC").First(&lastBlock).Error
	switch {
	case blockErr == nil:
		previousBlockHash = lastBlock.BlockHash
		nextBlockNumber = lastBlock.BlockNumber + 1
	case errors.Is(blockErr, gorm.ErrRecordNotFound):
		// First block.
	default:
		return nil, blockErr
	}

	id, err := security.GenerateEventID()
	if err != nil {
		return nil, err
	}

	block := &LedgerBlock{
		ID:                id,
		BlockNumber:       nextBlockNumber,
		StartSequence:     startSequence,
		EndSequence:       endSequence,
		EventCount:        int64(len(events)),
		PreviousBlockHash: previousBlockHash,
		MerkleRoot:        s.merkleRoot(hashes),
		FinalizedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	block.BlockHash, err = s.hash.HashCanonical(blockHashData(block))
	if err != nil {
		return nil, fmt.Errorf("block hashing failed: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(block).Error; err != nil {
		return nil, fmt.Errorf("block creation failed: %w", err)
	}

	common.Logger.WithFields(logrus.Fields{
		"block_number": block.BlockNumber,
		"event_count":  block.EventCount,
		"merkle_root":  block.MerkleRoot,
	}).Info("ledger block created")

	return block, nil
}

// VerifyBlock recomputes a block's Merkle root and hash from the stored
// events. The detail is empty when the block is intact.
func (s *VerificationService) VerifyBlock(ctx context.Context, blockNumber int64) (bool, string, error) {
	var block LedgerBlock
	err := s.db.WithContext(ctx).First(&block, "block_number = ?", blockNumber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Sprintf("block %d not found", blockNumber), nil
	}
	if err != nil {
		return false, "", err
	}

	var events []LedgerEvent
	err = s.db.WithContext(ctx).
		Where("sequence_number >= ? AND sequence_number <= ?", block.StartSequence, block.EndSequence).
		Order("sequence_number").
		Find(&events).Error
	if err != nil {
		return false, "", err
	}

	hashes := make([]string, len(events))
	for i := range events {
		hashes[i] = events[i].EventHash
	}
	if block.MerkleRoot != s.merkleRoot(hashes) {
		return false, fmt.Sprintf("merkle root mismatch for block %d", blockNumber), nil
	}

	expected, err := s.hash.HashCanonical(blockHashData(&block))
	if err != nil {
		return false, "", err
	}
	if block.BlockHash != expected {
		return false, fmt.Sprintf("block hash mismatch for block %d", blockNumber), nil
	}
	return true, "", nil
}

// GetVerificationSummary reports ledger totals and how many events await
// block finalization.
func (s *VerificationService) GetVerificationSummary(ctx context.Context) (*VerificationSummary, error) {
	summary := &VerificationSummary{}

	if err := s.db.WithContext(ctx).Model(&LedgerEvent{}).Count(&summary.TotalEvents).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&LedgerBlock{}).Count(&summary.TotalBlocks).Error; err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).
		Model(&LedgerEvent{}).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&summary.LatestSequence).Error
	if err != nil {
		return nil, err
	}

	var lastBlock LedgerBlock
	blockErr := s.db.WithContext(ctx).Order("block_number DESC").First(&lastBlock).Error
	switch {
	case blockErr == nil:
		summary.LatestBlockNumber = lastBlock.BlockNumber
		summary.UnblockedEvents = summary.LatestSequence - lastBlock.EndSequence
	case errors.Is(blockErr, gorm.ErrRecordNotFound):
		summary.UnblockedEvents = summary.LatestSequence
	default:
		return nil, blockErr
	}
	return summary, nil
}
