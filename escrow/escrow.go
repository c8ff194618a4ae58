// Package escrow holds one locked value deposit per bounty and
// guarantees exactly one of release, refund, or dispute-arbitrated
// payout over its lifetime.
package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/fault"
)

// Status of a deposit. Transitions are monotone and one-shot:
// Locked -> {Released | Refunded | Disputed}, Disputed -> {Released |
// Refunded}. Nothing ever returns to Locked.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

var (
	ErrDuplicateDeposit = fmt.Errorf("%w: deposit already exists for bounty", fault.ErrStateGuard)
	ErrNoDeposit        = fmt.Errorf("%w: escrow deposit", fault.ErrNotFound)
	ErrCannotRelease    = fmt.Errorf("%w: cannot release escrow", fault.ErrStateGuard)
	ErrCannotRefund     = fmt.Errorf("%w: cannot refund escrow", fault.ErrStateGuard)
	ErrCannotDispute    = fmt.Errorf("%w: cannot dispute escrow", fault.ErrStateGuard)
	ErrNoRecipient      = fmt.Errorf("%w: no recipient assigned for release", fault.ErrStateGuard)
)

// Deposit is the locked value record for one bounty. Amount is
// immutable after deposit.
type Deposit struct {
	BountyID   uint64         `json:"bounty_id"`
	Token      string         `json:"token"`
	Amount     *big.Int       `json:"amount"`
	Depositor  common.Address `json:"depositor"`
	Recipient  common.Address `json:"recipient"` // zero until assigned
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Store persists deposits.
type Store interface {
	// CreateDeposit persists a new deposit. A second deposit for the
	// same bounty fails ErrDuplicateDeposit.
	CreateDeposit(ctx context.Context, d *Deposit) error

	// GetDeposit retrieves the deposit for a bounty, or ErrNoDeposit.
	GetDeposit(ctx context.Context, bountyID uint64) (*Deposit, error)

	// UpdateDeposit saves status, recipient, and resolution time.
	// Amount, token, and depositor never change.
	UpdateDeposit(ctx context.Context, d *Deposit) error
}

// FeeSplit divides amount into the recipient share and the platform
// fee. The fee is amount*feeBps/10000 rounded down; the recipient
// receives the remainder.
func FeeSplit(amount *big.Int, feeBps uint32) (recipient, fee *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Div(fee, big.NewInt(10000))
	recipient = new(big.Int).Sub(amount, fee)
	return recipient, fee
}
