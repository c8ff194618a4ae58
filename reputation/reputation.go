// Package reputation accumulates rating feedback and engagement
// outcomes per agent and derives a bounded [0,100] score.
package reputation

import (
	"context"
	"fmt"

	"github.com/openbounty/bountyd/fault"
)

var (
	ErrInvalidRating     = fmt.Errorf("%w: rating must be between 1 and 5", fault.ErrValidation)
	ErrDuplicateFeedback = fmt.Errorf("%w: feedback already recorded for this bounty and agent", fault.ErrStateGuard)
)

// Rating bounds.
const (
	MinRating = 1
	MaxRating = 5
)

// Score weights. Rating average carries half the score, completion
// rate most of the rest, dispute outcomes a small corrective.
const (
	ratingWeight     = 50.0
	completionWeight = 40.0
	disputeWeight    = 10.0

	// NeutralScore is the prior for an agent with zero ratings. New
	// agents start neutral, not at the bottom.
	NeutralScore = 50.0
)

// Record holds the accumulated counters for one agent. The score is
// derived on read and never cached.
type Record struct {
	AgentID           uint64 `json:"agent_id"`
	TotalRatings      uint64 `json:"total_ratings"`
	RatingSum         uint64 `json:"rating_sum"`
	CompletedBounties uint64 `json:"completed_bounties"`
	FailedBounties    uint64 `json:"failed_bounties"`
	DisputesWon       uint64 `json:"disputes_won"`
	DisputesLost      uint64 `json:"disputes_lost"`
}

// Score derives the [0,100] reputation from the counters.
func (r *Record) Score() float64 {
	if r.TotalRatings == 0 {
		return NeutralScore
	}

	avg := float64(r.RatingSum) / float64(r.TotalRatings) // 1..5
	score := avg / MaxRating * ratingWeight

	engagements := r.CompletedBounties + r.FailedBounties
	if engagements == 0 {
		score += completionWeight / 2
	} else {
		score += float64(r.CompletedBounties) / float64(engagements) * completionWeight
	}

	disputes := r.DisputesWon + r.DisputesLost
	if disputes == 0 {
		score += disputeWeight / 2
	} else {
		score += float64(r.DisputesWon) / float64(disputes) * disputeWeight
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Feedback is one recorded rating for a completed engagement.
type Feedback struct {
	BountyID   uint64 `json:"bounty_id"`
	FromAgent  uint64 `json:"from_agent"`
	ToAgent    uint64 `json:"to_agent"`
	Rating     uint8  `json:"rating"`
	CommentRef string `json:"comment_ref,omitempty"`
	ProofRef   string `json:"proof_ref,omitempty"`
}

// Store persists reputation counters and feedback rows.
type Store interface {
	// GetRecord returns the counters for an agent. Agents with no
	// history yield a zero record, not an error.
	GetRecord(ctx context.Context, agentID uint64) (*Record, error)

	// AddFeedback inserts a feedback row and bumps the rating counters
	// atomically. At most one row may exist per (bounty, rated-agent)
	// pair; a second insert fails ErrDuplicateFeedback.
	AddFeedback(ctx context.Context, fb *Feedback) error

	// AddCompletion bumps completed or failed.
	AddCompletion(ctx context.Context, agentID uint64, success bool) error

	// AddDispute bumps disputes won or lost.
	AddDispute(ctx context.Context, agentID uint64, won bool) error
}
