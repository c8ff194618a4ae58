package reputation

import (
	"context"
	"fmt"
)

// Ledger validates and applies reputation writes. It is constructed
// only by the bounty lifecycle engine: no other component holds a
// reference to it, so feedback and outcomes cannot be forged by
// arbitrary callers. Reads are public through Score and Get.
type Ledger struct {
	store Store
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// SubmitFeedback records one rating from fromAgent about toAgent for a
// completed bounty. Ratings are bounded 1-5 and at most one rating may
// exist per (bounty, rated-agent) pair.
func (l *Ledger) SubmitFeedback(ctx context.Context, fromAgent, toAgent, bountyID uint64, rating uint8, commentRef, proofRef string) error {
	if rating < MinRating || rating > MaxRating {
		return ErrInvalidRating
	}
	fb := &Feedback{
		BountyID:   bountyID,
		FromAgent:  fromAgent,
		ToAgent:    toAgent,
		Rating:     rating,
		CommentRef: commentRef,
		ProofRef:   proofRef,
	}
	if err := l.store.AddFeedback(ctx, fb); err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	return nil
}

// RecordCompletion notes a finished engagement for the agent.
func (l *Ledger) RecordCompletion(ctx context.Context, agentID, bountyID uint64, success bool) error {
	if err := l.store.AddCompletion(ctx, agentID, success); err != nil {
		return fmt.Errorf("record completion for bounty %d: %w", bountyID, err)
	}
	return nil
}

// RecordDispute notes a dispute outcome for the agent.
func (l *Ledger) RecordDispute(ctx context.Context, agentID, bountyID uint64, won bool) error {
	if err := l.store.AddDispute(ctx, agentID, won); err != nil {
		return fmt.Errorf("record dispute for bounty %d: %w", bountyID, err)
	}
	return nil
}

// Get returns the counters for an agent.
func (l *Ledger) Get(ctx context.Context, agentID uint64) (*Record, error) {
	return l.store.GetRecord(ctx, agentID)
}

// Score returns the derived [0,100] reputation for an agent.
func (l *Ledger) Score(ctx context.Context, agentID uint64) (float64, error) {
	rec, err := l.store.GetRecord(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return rec.Score(), nil
}
