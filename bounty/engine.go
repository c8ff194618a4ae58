package bounty

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/escrow"
	"github.com/openbounty/bountyd/events"
	"github.com/openbounty/bountyd/fault"
	"github.com/openbounty/bountyd/identity"
	"github.com/openbounty/bountyd/ledger"
	"github.com/openbounty/bountyd/reputation"
)

var (
	ErrBountyNotFound     = fmt.Errorf("%w: bounty", fault.ErrNotFound)
	ErrNotCreator         = fmt.Errorf("%w: caller is not the bounty creator", fault.ErrUnauthorized)
	ErrNotClaimant        = fmt.Errorf("%w: caller did not claim this bounty", fault.ErrUnauthorized)
	ErrNotArbiter         = fmt.Errorf("%w: caller is not the dispute authority", fault.ErrUnauthorized)
	ErrSelfClaim          = fmt.Errorf("%w: creator cannot claim own bounty", fault.ErrValidation)
	ErrReputationTooLow   = fmt.Errorf("%w: reputation below bounty minimum", fault.ErrUnauthorized)
	ErrDeadlinePassed     = fmt.Errorf("%w: bounty deadline passed", fault.ErrTiming)
	ErrDeadlineNotReached = fmt.Errorf("%w: bounty deadline not reached", fault.ErrTiming)
	ErrAgentInactive      = fmt.Errorf("%w: agent is deactivated", fault.ErrStateGuard)
	ErrWalletUnbound      = fmt.Errorf("%w: agent has no payable wallet", fault.ErrValidation)
)

func stateErr(op string, status Status) error {
	return fmt.Errorf("%w: cannot %s bounty in status %s", fault.ErrStateGuard, op, status)
}

// CreateSpec carries the immutable terms of a new bounty.
type CreateSpec struct {
	Title          string
	DescriptionRef string
	RewardToken    string
	RewardAmount   *big.Int
	Deadline       time.Time
	MinReputation  uint32
	RequiredSkills []string
}

// Options configures an Engine.
type Options struct {
	Escrow  escrow.Config  // fee policy and custody accounts
	Arbiter common.Address // the only principal allowed to resolve disputes
	Events  *events.Bus    // optional; committed transitions are published here
	Clock   func() time.Time
}

// Engine owns the canonical bounty state machine. Every public
// operation checks its guards and applies all of its writes (bounty
// status, escrow movement, reputation outcome) inside one transaction
// under one writer, so a concurrent conflicting call observes the
// post-transition state and fails its guard. No operation retries; a
// guard violation is a caller error.
type Engine struct {
	tx      TxRunner
	escCfg  escrow.Config
	arbiter common.Address
	bus     *events.Bus
	now     func() time.Time
	mu      sync.Mutex
}

// NewEngine creates an Engine over the given transaction runner.
func NewEngine(tx TxRunner, opts Options) *Engine {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		tx:      tx,
		escCfg:  opts.Escrow,
		arbiter: opts.Arbiter,
		bus:     opts.Events,
		now:     now,
	}
}

func (e *Engine) escrowSvc(s Stores) *escrow.Service {
	svc := escrow.NewService(s.Escrow, s.Book, e.escCfg)
	svc.SetClock(e.now)
	return svc
}

func (e *Engine) activeAgent(ctx context.Context, s Stores, id uint64) (*identity.Agent, error) {
	a, err := s.Agents.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrAgentInactive
	}
	return a, nil
}

func (e *Engine) publish(typ events.Type, bountyID, agentID uint64, detail string) {
	e.bus.Publish(events.Event{
		Type:     typ,
		BountyID: bountyID,
		AgentID:  agentID,
		At:       e.now().UTC(),
		Detail:   detail,
	})
}

// Create opens a new bounty funded by the caller's wallet. The reward
// is locked in escrow in the same transaction that writes the bounty;
// if the deposit cannot be covered, nothing is created.
func (e *Engine) Create(ctx context.Context, caller uint64, spec CreateSpec) (*Bounty, error) {
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title required", fault.ErrValidation)
	}
	if err := ledger.CheckAmount(spec.RewardAmount); err != nil {
		return nil, fmt.Errorf("%w: reward %v", fault.ErrValidation, err)
	}
	if strings.TrimSpace(spec.RewardToken) == "" {
		return nil, fmt.Errorf("%w: reward token required", fault.ErrValidation)
	}
	now := e.now().UTC()
	if !spec.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", fault.ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var b *Bounty
	err := e.tx.InTx(ctx, func(s Stores) error {
		creator, err := e.activeAgent(ctx, s, caller)
		if err != nil {
			return err
		}
		if !creator.HasWallet() {
			return ErrWalletUnbound
		}
		b = &Bounty{
			Creator:        caller,
			Title:          title,
			DescriptionRef: spec.DescriptionRef,
			RewardToken:    strings.TrimSpace(spec.RewardToken),
			RewardAmount:   new(big.Int).Set(spec.RewardAmount),
			Deadline:       spec.Deadline.UTC(),
			MinReputation:  spec.MinReputation,
			RequiredSkills: NormalizeSkills(spec.RequiredSkills),
			Status:         StatusOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		id, err := s.Bounties.CreateBounty(ctx, b)
		if err != nil {
			return err
		}
		b.ID = id
		return e.escrowSvc(s).Deposit(ctx, id, b.RewardToken, b.RewardAmount, creator.Wallet)
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.BountyCreated, b.ID, caller, b.Title)
	return b, nil
}

// Claim assigns the bounty to the caller. The claimant is set exactly
// once; a claimed bounty never changes hands.
func (e *Engine) Claim(ctx context.Context, caller uint64, bountyID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusOpen {
			return stateErr("claim", b.Status)
		}
		now := e.now().UTC()
		if !now.Before(b.Deadline) {
			return ErrDeadlinePassed
		}
		if caller == b.Creator {
			return ErrSelfClaim
		}
		if _, err := e.activeAgent(ctx, s, caller); err != nil {
			return err
		}
		rec, err := s.Reputation.GetRecord(ctx, caller)
		if err != nil {
			return err
		}
		if rec.Score() < float64(b.MinReputation) {
			return fmt.Errorf("%w: score %.1f < %d", ErrReputationTooLow, rec.Score(), b.MinReputation)
		}
		b.Status = StatusClaimed
		b.ClaimedBy = caller
		b.ClaimedAt = &now
		b.UpdatedAt = now
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyClaimed, bountyID, caller, "")
	return nil
}

// Submit records the claimant's work reference. Allowed until the
// deadline, inclusive.
func (e *Engine) Submit(ctx context.Context, caller uint64, bountyID uint64, submissionRef string) error {
	submissionRef = strings.TrimSpace(submissionRef)
	if submissionRef == "" {
		return fmt.Errorf("%w: submission reference required", fault.ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusClaimed {
			return stateErr("submit", b.Status)
		}
		if caller != b.ClaimedBy {
			return ErrNotClaimant
		}
		now := e.now().UTC()
		if now.After(b.Deadline) {
			return ErrDeadlinePassed
		}
		b.Status = StatusSubmitted
		b.SubmissionRef = submissionRef
		b.SubmittedAt = &now
		b.UpdatedAt = now
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountySubmitted, bountyID, caller, "")
	return nil
}

// Approve accepts the submission: the hunter's completion and the
// creator's rating are recorded, escrow releases with the fee split,
// and the bounty is Paid. All of it commits together or not at all.
func (e *Engine) Approve(ctx context.Context, caller uint64, bountyID uint64, rating uint8, commentRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var hunter uint64
	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusSubmitted {
			return stateErr("approve", b.Status)
		}
		if caller != b.Creator {
			return ErrNotCreator
		}
		hunterAgent, err := s.Agents.GetAgent(ctx, b.ClaimedBy)
		if err != nil {
			return err
		}
		if !hunterAgent.HasWallet() {
			return ErrWalletUnbound
		}
		hunter = b.ClaimedBy

		rep := reputation.NewLedger(s.Reputation)
		if err := rep.RecordCompletion(ctx, hunter, bountyID, true); err != nil {
			return err
		}
		if err := rep.SubmitFeedback(ctx, caller, hunter, bountyID, rating, commentRef, ""); err != nil {
			return err
		}

		esc := e.escrowSvc(s)
		if err := esc.AssignRecipient(ctx, bountyID, hunterAgent.Wallet); err != nil {
			return err
		}
		if err := esc.Release(ctx, bountyID); err != nil {
			return err
		}

		b.Status = StatusPaid
		b.UpdatedAt = e.now().UTC()
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyPaid, bountyID, hunter, "")
	return nil
}

// Reject declines the submission: the hunter's failure is recorded and
// the deposit refunds to the creator synchronously. A rejected bounty
// is terminal unless the hunter disputes while funds remain locked;
// with the synchronous refund that window is effectively closed.
func (e *Engine) Reject(ctx context.Context, caller uint64, bountyID uint64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var hunter uint64
	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusSubmitted {
			return stateErr("reject", b.Status)
		}
		if caller != b.Creator {
			return ErrNotCreator
		}
		hunter = b.ClaimedBy

		rep := reputation.NewLedger(s.Reputation)
		if err := rep.RecordCompletion(ctx, hunter, bountyID, false); err != nil {
			return err
		}
		if err := e.escrowSvc(s).Refund(ctx, bountyID); err != nil {
			return err
		}

		b.Status = StatusRejected
		b.RejectReason = strings.TrimSpace(reason)
		b.UpdatedAt = e.now().UTC()
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyRejected, bountyID, hunter, reason)
	return nil
}

// Dispute contests a rejection. Only the claimant may dispute, and
// only while the deposit is still Locked; once the refund has landed
// the chance is gone.
func (e *Engine) Dispute(ctx context.Context, caller uint64, bountyID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusRejected {
			return stateErr("dispute", b.Status)
		}
		if caller != b.ClaimedBy {
			return ErrNotClaimant
		}
		if err := e.escrowSvc(s).Dispute(ctx, bountyID); err != nil {
			return err
		}
		b.Status = StatusDisputed
		b.UpdatedAt = e.now().UTC()
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyDisputed, bountyID, caller, "")
	return nil
}

// Resolve settles a disputed bounty. Only the configured arbitration
// authority may call it. In favor of the claimant the escrow releases
// with the fee split and the bounty ends Paid; otherwise the deposit
// refunds and the bounty ends Rejected. The dispute outcome lands on
// the hunter's record either way.
func (e *Engine) Resolve(ctx context.Context, caller common.Address, bountyID uint64, favorClaimant bool) error {
	if caller != e.arbiter {
		return ErrNotArbiter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var hunter uint64
	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusDisputed {
			return stateErr("resolve", b.Status)
		}
		hunter = b.ClaimedBy

		esc := e.escrowSvc(s)
		if favorClaimant {
			hunterAgent, err := s.Agents.GetAgent(ctx, hunter)
			if err != nil {
				return err
			}
			if !hunterAgent.HasWallet() {
				return ErrWalletUnbound
			}
			if err := esc.AssignRecipient(ctx, bountyID, hunterAgent.Wallet); err != nil {
				return err
			}
			b.Status = StatusPaid
		} else {
			b.Status = StatusRejected
		}
		if err := esc.Resolve(ctx, bountyID, favorClaimant); err != nil {
			return err
		}
		rep := reputation.NewLedger(s.Reputation)
		if err := rep.RecordDispute(ctx, hunter, bountyID, favorClaimant); err != nil {
			return err
		}
		b.UpdatedAt = e.now().UTC()
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyResolved, bountyID, hunter, fmt.Sprintf("favor_claimant=%t", favorClaimant))
	return nil
}

// Cancel withdraws an unclaimed bounty and refunds the deposit.
func (e *Engine) Cancel(ctx context.Context, caller uint64, bountyID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusOpen {
			return stateErr("cancel", b.Status)
		}
		if caller != b.Creator {
			return ErrNotCreator
		}
		if err := e.escrowSvc(s).Refund(ctx, bountyID); err != nil {
			return err
		}
		b.Status = StatusCancelled
		b.UpdatedAt = e.now().UTC()
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyCancelled, bountyID, caller, "")
	return nil
}

// Expire moves a past-deadline bounty to Expired and refunds the
// deposit. Anyone may call it; there is no background timer, so an
// expired bounty reads as Open or Claimed until someone does.
func (e *Engine) Expire(ctx context.Context, bountyID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.tx.InTx(ctx, func(s Stores) error {
		b, err := s.Bounties.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if b.Status != StatusOpen && b.Status != StatusClaimed {
			return stateErr("expire", b.Status)
		}
		if !e.now().UTC().After(b.Deadline) {
			return ErrDeadlineNotReached
		}
		if err := e.escrowSvc(s).Refund(ctx, bountyID); err != nil {
			return err
		}
		b.Status = StatusExpired
		b.UpdatedAt = e.now().UTC()
		return s.Bounties.UpdateBounty(ctx, b)
	})
	if err != nil {
		return err
	}
	e.publish(events.BountyExpired, bountyID, 0, "")
	return nil
}
