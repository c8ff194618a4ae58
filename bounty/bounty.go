// Package bounty defines the bounty model and the lifecycle engine
// that owns every transition, its guards, and its side effects.
package bounty

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/openbounty/bountyd/escrow"
	"github.com/openbounty/bountyd/identity"
	"github.com/openbounty/bountyd/ledger"
	"github.com/openbounty/bountyd/reputation"
)

// Status is the lifecycle state of a bounty. Terminal states (paid,
// cancelled, expired, rejected, resolved disputes) are permanent
// markers; rows are never deleted.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusSubmitted Status = "submitted"
	StatusPaid      Status = "paid"
	StatusRejected  Status = "rejected"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Bounty is one funded task. ClaimedBy is set exactly once on the
// open->claimed transition and immutable afterwards.
type Bounty struct {
	ID             uint64     `json:"id"`
	Creator        uint64     `json:"creator"` // agent id
	Title          string     `json:"title"`
	DescriptionRef string     `json:"description_ref,omitempty"`
	RewardToken    string     `json:"reward_token"`
	RewardAmount   *big.Int   `json:"reward_amount"`
	Deadline       time.Time  `json:"deadline"`
	MinReputation  uint32     `json:"min_reputation"`
	RequiredSkills []string   `json:"required_skills,omitempty"`
	Status         Status     `json:"status"`
	ClaimedBy      uint64     `json:"claimed_by,omitempty"` // 0 = unclaimed
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	SubmissionRef  string     `json:"submission_ref,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	RejectReason   string     `json:"reject_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Filter controls which bounties List returns. Pagination limits are
// owned by the calling layer.
type Filter struct {
	Status    *Status  `json:"status,omitempty"`
	Skill     string   `json:"skill,omitempty"`
	Creator   uint64   `json:"creator,omitempty"`
	Hunter    uint64   `json:"hunter,omitempty"`
	MinReward *big.Int `json:"min_reward,omitempty"`
	MaxReward *big.Int `json:"max_reward,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

// Store persists bounties with strictly monotonic ids.
type Store interface {
	// CreateBounty persists a new bounty and returns the assigned id.
	CreateBounty(ctx context.Context, b *Bounty) (uint64, error)

	// GetBounty retrieves a bounty by id.
	GetBounty(ctx context.Context, id uint64) (*Bounty, error)

	// UpdateBounty saves mutable lifecycle fields.
	UpdateBounty(ctx context.Context, b *Bounty) error

	// ListBounties returns bounties matching the filter, newest first.
	ListBounties(ctx context.Context, f Filter) ([]*Bounty, error)
}

// Stores bundles every store a transition may touch. The engine runs
// each public operation against one bundle inside one transaction.
type Stores struct {
	Bounties   Store
	Escrow     escrow.Store
	Book       ledger.Book
	Agents     identity.Store
	Reputation reputation.Store
}

// TxRunner executes fn against a transactional view of the stores,
// committing all writes or none.
type TxRunner interface {
	InTx(ctx context.Context, fn func(s Stores) error) error
}

var skillFolder = cases.Fold()

// NormalizeSkills case-folds, trims, dedupes, and sorts skill tags so
// storage and filtering compare them consistently.
func NormalizeSkills(skills []string) []string {
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = skillFolder.String(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NormalizeSkill folds a single skill tag for filter comparison.
func NormalizeSkill(s string) string {
	return skillFolder.String(strings.TrimSpace(s))
}
