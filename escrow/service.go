package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/fault"
	"github.com/openbounty/bountyd/ledger"
)

// Config fixes the fee policy and the accounts value moves through.
// The fee rate is set at initialization and never renegotiated per
// deposit.
type Config struct {
	FeeBps   uint32         // platform fee in basis points
	Vault    common.Address // custody account holding locked deposits
	Platform common.Address // fee destination
}

// Service applies the escrow state machine over a Store and moves
// value through a ledger Book. Mutating methods are reachable only
// from the bounty lifecycle engine (and, for dispute resolution, the
// arbitration authority acting through it); nothing else holds a
// Service. Reads are public via the Store.
type Service struct {
	store Store
	book  ledger.Book
	cfg   Config
	now   func() time.Time
}

// NewService creates a Service. The zero clock defaults to time.Now.
func NewService(store Store, book ledger.Book, cfg Config) *Service {
	return &Service{store: store, book: book, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Deposit locks amount from the depositor's wallet into the vault and
// records the deposit. The depositor must already hold the funds (the
// external payment layer verifies inbound transfers before this runs).
func (s *Service) Deposit(ctx context.Context, bountyID uint64, token string, amount *big.Int, depositor common.Address) error {
	if err := ledger.CheckAmount(amount); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}
	if _, err := s.store.GetDeposit(ctx, bountyID); err == nil {
		return ErrDuplicateDeposit
	} else if !errors.Is(err, ErrNoDeposit) {
		return err
	}
	if err := s.book.Transfer(ctx, token, depositor, s.cfg.Vault, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return fmt.Errorf("%w: depositor cannot cover reward: %v", fault.ErrPrecondition, err)
		}
		return fmt.Errorf("lock deposit: %w", err)
	}
	d := &Deposit{
		BountyID:  bountyID,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Depositor: depositor,
		Status:    StatusLocked,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateDeposit(ctx, d); err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}
	return nil
}

// AssignRecipient binds the eventual payee wallet. Allowed only while
// the deposit is Locked or Disputed (re-binding before an arbitrated
// release picks up a rebound wallet).
func (s *Service) AssignRecipient(ctx context.Context, bountyID uint64, recipient common.Address) error {
	d, err := s.store.GetDeposit(ctx, bountyID)
	if err != nil {
		return err
	}
	if d.Status != StatusLocked && d.Status != StatusDisputed {
		return fmt.Errorf("%w: deposit is %s", ErrCannotRelease, d.Status)
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: recipient wallet unbound", fault.ErrValidation)
	}
	d.Recipient = recipient
	return s.store.UpdateDeposit(ctx, d)
}

// Release pays the assigned recipient their share and the platform its
// fee, then marks the deposit Released. One-shot: any status other
// than Locked fails.
func (s *Service) Release(ctx context.Context, bountyID uint64) error {
	return s.payOut(ctx, bountyID, StatusLocked)
}

// Refund returns the full amount to the depositor. One-shot: any
// status other than Locked fails.
func (s *Service) Refund(ctx context.Context, bountyID uint64) error {
	return s.refundFrom(ctx, bountyID, StatusLocked)
}

// Dispute freezes a Locked deposit pending arbitration.
func (s *Service) Dispute(ctx context.Context, bountyID uint64) error {
	d, err := s.store.GetDeposit(ctx, bountyID)
	if err != nil {
		return err
	}
	if d.Status != StatusLocked {
		return fmt.Errorf("%w: deposit is %s", ErrCannotDispute, d.Status)
	}
	d.Status = StatusDisputed
	return s.store.UpdateDeposit(ctx, d)
}

// Resolve settles a Disputed deposit: in favor of the recipient it
// releases with the fee split, otherwise it refunds the depositor.
func (s *Service) Resolve(ctx context.Context, bountyID uint64, favorRecipient bool) error {
	if favorRecipient {
		return s.payOut(ctx, bountyID, StatusDisputed)
	}
	return s.refundFrom(ctx, bountyID, StatusDisputed)
}

func (s *Service) payOut(ctx context.Context, bountyID uint64, from Status) error {
	d, err := s.store.GetDeposit(ctx, bountyID)
	if err != nil {
		return err
	}
	if d.Status != from {
		return fmt.Errorf("%w: deposit is %s", ErrCannotRelease, d.Status)
	}
	if d.Recipient == (common.Address{}) {
		return ErrNoRecipient
	}
	share, fee := FeeSplit(d.Amount, s.cfg.FeeBps)
	if share.Sign() > 0 {
		if err := s.book.Transfer(ctx, d.Token, s.cfg.Vault, d.Recipient, share); err != nil {
			return fmt.Errorf("release recipient share: %w", err)
		}
	}
	if fee.Sign() > 0 {
		if err := s.book.Transfer(ctx, d.Token, s.cfg.Vault, s.cfg.Platform, fee); err != nil {
			return fmt.Errorf("release fee share: %w", err)
		}
	}
	now := s.now().UTC()
	d.Status = StatusReleased
	d.ResolvedAt = &now
	if err := s.store.UpdateDeposit(ctx, d); err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	return nil
}

func (s *Service) refundFrom(ctx context.Context, bountyID uint64, from Status) error {
	d, err := s.store.GetDeposit(ctx, bountyID)
	if err != nil {
		return err
	}
	if d.Status != from {
		return fmt.Errorf("%w: deposit is %s", ErrCannotRefund, d.Status)
	}
	if err := s.book.Transfer(ctx, d.Token, s.cfg.Vault, d.Depositor, d.Amount); err != nil {
		return fmt.Errorf("refund depositor: %w", err)
	}
	now := s.now().UTC()
	d.Status = StatusRefunded
	d.ResolvedAt = &now
	if err := s.store.UpdateDeposit(ctx, d); err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	return nil
}
