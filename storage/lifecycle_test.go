package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/bounty"
	"github.com/openbounty/bountyd/escrow"
	"github.com/openbounty/bountyd/events"
	"github.com/openbounty/bountyd/fault"
	"github.com/openbounty/bountyd/identity"
	"github.com/openbounty/bountyd/reputation"
)

var (
	vaultAddr    = common.HexToAddress("0x0000000000000000000000000000000000000E5c")
	platformAddr = common.HexToAddress("0x0000000000000000000000000000000000000Fee")
	arbiterAddr  = common.HexToAddress("0x00000000000000000000000000000000000Ad01")
	creatorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	hunterAddr   = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

// marketHarness runs the full stack over one temp database with a
// controllable clock.
type marketHarness struct {
	db      *DB
	stores  bounty.Stores
	engine  *bounty.Engine
	bus     *events.Bus
	now     time.Time
	creator uint64
	hunter  uint64
}

func newMarket(t *testing.T) *marketHarness {
	t.Helper()
	db := newTestDB(t)
	h := &marketHarness{
		db:     db,
		stores: db.Stores(),
		bus:    events.NewBus(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = bounty.NewEngine(db, bounty.Options{
		Escrow: escrow.Config{
			FeeBps:   250,
			Vault:    vaultAddr,
			Platform: platformAddr,
		},
		Arbiter: arbiterAddr,
		Events:  h.bus,
		Clock:   func() time.Time { return h.now },
	})

	ctx := context.Background()
	h.creator = h.register(t, creatorAddr)
	h.hunter = h.register(t, hunterAddr)
	if err := h.stores.Book.Credit(ctx, "USDC", creatorAddr, big.NewInt(10000)); err != nil {
		t.Fatalf("fund creator: %v", err)
	}
	return h
}

func (h *marketHarness) register(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	id, err := h.stores.Agents.CreateAgent(context.Background(), &identity.Agent{
		Owner:     addr,
		Wallet:    addr,
		Active:    true,
		CreatedAt: h.now,
	}, nil)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return id
}

func (h *marketHarness) create(t *testing.T, amount int64, minRep uint32) uint64 {
	t.Helper()
	b, err := h.engine.Create(context.Background(), h.creator, bounty.CreateSpec{
		Title:         "index the chain",
		RewardToken:   "USDC",
		RewardAmount:  big.NewInt(amount),
		Deadline:      h.now.Add(48 * time.Hour),
		MinReputation: minRep,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return b.ID
}

func (h *marketHarness) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := h.stores.Book.Balance(context.Background(), "USDC", addr)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return bal.Int64()
}

func (h *marketHarness) status(t *testing.T, id uint64) bounty.Status {
	t.Helper()
	b, err := h.stores.Bounties.GetBounty(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBounty: %v", err)
	}
	return b.Status
}

func TestEngine_HappyPath(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()

	var seen []events.Type
	h.bus.Subscribe(func(e events.Event) { seen = append(seen, e.Type) })

	id := h.create(t, 1000, 0)
	if got := h.balance(t, vaultAddr); got != 1000 {
		t.Errorf("vault = %d, want reward locked", got)
	}
	if got := h.balance(t, creatorAddr); got != 9000 {
		t.Errorf("creator = %d, want 9000", got)
	}

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "ipfs://result"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.engine.Approve(ctx, h.creator, id, 5, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if got := h.status(t, id); got != bounty.StatusPaid {
		t.Errorf("status = %s, want paid", got)
	}
	if got := h.balance(t, hunterAddr); got != 975 {
		t.Errorf("hunter = %d, want 975", got)
	}
	if got := h.balance(t, platformAddr); got != 25 {
		t.Errorf("platform = %d, want 25", got)
	}
	if got := h.balance(t, vaultAddr); got != 0 {
		t.Errorf("vault = %d, want 0", got)
	}

	d, err := h.stores.Escrow.GetDeposit(ctx, id)
	if err != nil {
		t.Fatalf("GetDeposit: %v", err)
	}
	if d.Status != escrow.StatusReleased {
		t.Errorf("deposit = %s, want released", d.Status)
	}

	rec, _ := h.stores.Reputation.GetRecord(ctx, h.hunter)
	if rec.CompletedBounties != 1 || rec.TotalRatings != 1 || rec.RatingSum != 5 {
		t.Errorf("hunter record = %+v", rec)
	}

	want := []events.Type{events.BountyCreated, events.BountyClaimed, events.BountySubmitted, events.BountyPaid}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestEngine_Create_Validation(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()

	cases := []struct {
		name string
		spec bounty.CreateSpec
	}{
		{"empty title", bounty.CreateSpec{RewardToken: "USDC", RewardAmount: big.NewInt(1), Deadline: h.now.Add(time.Hour)}},
		{"zero reward", bounty.CreateSpec{Title: "x", RewardToken: "USDC", RewardAmount: big.NewInt(0), Deadline: h.now.Add(time.Hour)}},
		{"no token", bounty.CreateSpec{Title: "x", RewardAmount: big.NewInt(1), Deadline: h.now.Add(time.Hour)}},
		{"past deadline", bounty.CreateSpec{Title: "x", RewardToken: "USDC", RewardAmount: big.NewInt(1), Deadline: h.now.Add(-time.Hour)}},
	}
	for _, tc := range cases {
		if _, err := h.engine.Create(ctx, h.creator, tc.spec); !errors.Is(err, fault.ErrValidation) {
			t.Errorf("%s: err = %v, want validation failure", tc.name, err)
		}
	}
}

func TestEngine_Create_InsufficientFunds(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, h.creator, bounty.CreateSpec{
		Title:        "too rich",
		RewardToken:  "USDC",
		RewardAmount: big.NewInt(999999),
		Deadline:     h.now.Add(time.Hour),
	})
	if !errors.Is(err, fault.ErrPrecondition) {
		t.Fatalf("err = %v, want precondition failure", err)
	}
	// The whole creation rolled back: no bounty row, no funds moved.
	list, _ := h.stores.Bounties.ListBounties(ctx, bounty.Filter{})
	if len(list) != 0 {
		t.Errorf("bounty row survived failed deposit")
	}
	if got := h.balance(t, creatorAddr); got != 10000 {
		t.Errorf("creator = %d, want untouched", got)
	}
}

func TestEngine_Claim_Guards(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.creator, id); !errors.Is(err, bounty.ErrSelfClaim) {
		t.Errorf("self claim: err = %v, want ErrSelfClaim", err)
	}
	if err := h.engine.Claim(ctx, h.hunter, 999); !errors.Is(err, bounty.ErrBountyNotFound) {
		t.Errorf("missing bounty: err = %v, want ErrBountyNotFound", err)
	}

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Already claimed: second hunter is rejected by the state guard.
	other := h.register(t, common.HexToAddress("0x00000000000000000000000000000000000000e3"))
	if err := h.engine.Claim(ctx, other, id); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("second claim: err = %v, want state guard", err)
	}
}

func TestEngine_Claim_ReputationGate(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 90)

	// Fresh hunter scores the neutral 50, below the 90 floor.
	if err := h.engine.Claim(ctx, h.hunter, id); !errors.Is(err, bounty.ErrReputationTooLow) {
		t.Fatalf("err = %v, want ErrReputationTooLow", err)
	}

	// A perfect history clears the gate.
	if err := h.stores.Reputation.AddFeedback(ctx, &reputation.Feedback{
		BountyID: 888, FromAgent: h.creator, ToAgent: h.hunter, Rating: 5,
	}); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	if err := h.stores.Reputation.AddCompletion(ctx, h.hunter, true); err != nil {
		t.Fatalf("AddCompletion: %v", err)
	}
	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim after history: %v", err)
	}
}

func TestEngine_Claim_InactiveAgent(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	a, _ := h.stores.Agents.GetAgent(ctx, h.hunter)
	a.Active = false
	if err := h.stores.Agents.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if err := h.engine.Claim(ctx, h.hunter, id); !errors.Is(err, bounty.ErrAgentInactive) {
		t.Errorf("err = %v, want ErrAgentInactive", err)
	}
}

func TestEngine_Submit_Guards(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("submit unclaimed: err = %v, want state guard", err)
	}
	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Submit(ctx, h.creator, id, "ref"); !errors.Is(err, bounty.ErrNotClaimant) {
		t.Errorf("submit by non-claimant: err = %v, want ErrNotClaimant", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "  "); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("empty ref: err = %v, want validation failure", err)
	}

	// Past the deadline the submission window is closed.
	h.now = h.now.Add(72 * time.Hour)
	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); !errors.Is(err, bounty.ErrDeadlinePassed) {
		t.Errorf("late submit: err = %v, want ErrDeadlinePassed", err)
	}
}

func TestEngine_Approve_Guards(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Approve(ctx, h.creator, id, 5, ""); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("approve unsubmitted: err = %v, want state guard", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.engine.Approve(ctx, h.hunter, id, 5, ""); !errors.Is(err, bounty.ErrNotCreator) {
		t.Errorf("approve by hunter: err = %v, want ErrNotCreator", err)
	}
	if err := h.engine.Approve(ctx, h.creator, id, 0, ""); !errors.Is(err, reputation.ErrInvalidRating) {
		t.Errorf("rating 0: err = %v, want ErrInvalidRating", err)
	}
	// The failed approve left everything intact.
	if got := h.status(t, id); got != bounty.StatusSubmitted {
		t.Errorf("status = %s, want submitted", got)
	}
	if got := h.balance(t, vaultAddr); got != 1000 {
		t.Errorf("vault = %d, funds moved on failed approve", got)
	}

	if err := h.engine.Approve(ctx, h.creator, id, 5, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// Double payout is impossible: the bounty left Submitted.
	if err := h.engine.Approve(ctx, h.creator, id, 5, ""); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("second approve: err = %v, want state guard", err)
	}
}

func TestEngine_RejectThenDisputeWindowClosed(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.engine.Reject(ctx, h.creator, id, "not what was asked"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if got := h.status(t, id); got != bounty.StatusRejected {
		t.Errorf("status = %s, want rejected", got)
	}
	if got := h.balance(t, creatorAddr); got != 10000 {
		t.Errorf("creator = %d, want full refund", got)
	}
	rec, _ := h.stores.Reputation.GetRecord(ctx, h.hunter)
	if rec.FailedBounties != 1 {
		t.Errorf("failed = %d, want 1", rec.FailedBounties)
	}
	b, _ := h.stores.Bounties.GetBounty(ctx, id)
	if b.RejectReason != "not what was asked" {
		t.Errorf("reject reason = %q", b.RejectReason)
	}

	// The refund already landed, so the dispute finds nothing locked.
	if err := h.engine.Dispute(ctx, h.hunter, id); !errors.Is(err, escrow.ErrCannotDispute) {
		t.Errorf("dispute after refund: err = %v, want ErrCannotDispute", err)
	}
}

// rejectKeepingEscrow parks the bounty in Rejected while the deposit
// stays Locked, the window in which a dispute can still be raised.
func rejectKeepingEscrow(t *testing.T, h *marketHarness, id uint64) {
	t.Helper()
	ctx := context.Background()
	b, err := h.stores.Bounties.GetBounty(ctx, id)
	if err != nil {
		t.Fatalf("GetBounty: %v", err)
	}
	b.Status = bounty.StatusRejected
	b.UpdatedAt = h.now
	if err := h.stores.Bounties.UpdateBounty(ctx, b); err != nil {
		t.Fatalf("UpdateBounty: %v", err)
	}
}

func TestEngine_DisputeResolve_FavorClaimant(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rejectKeepingEscrow(t, h, id)

	if err := h.engine.Dispute(ctx, h.creator, id); !errors.Is(err, bounty.ErrNotClaimant) {
		t.Errorf("dispute by creator: err = %v, want ErrNotClaimant", err)
	}
	if err := h.engine.Dispute(ctx, h.hunter, id); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if got := h.status(t, id); got != bounty.StatusDisputed {
		t.Errorf("status = %s, want disputed", got)
	}

	if err := h.engine.Resolve(ctx, creatorAddr, id, true); !errors.Is(err, bounty.ErrNotArbiter) {
		t.Errorf("resolve by creator: err = %v, want ErrNotArbiter", err)
	}
	if err := h.engine.Resolve(ctx, arbiterAddr, id, true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := h.status(t, id); got != bounty.StatusPaid {
		t.Errorf("status = %s, want paid", got)
	}
	if got := h.balance(t, hunterAddr); got != 975 {
		t.Errorf("hunter = %d, want 975", got)
	}
	rec, _ := h.stores.Reputation.GetRecord(ctx, h.hunter)
	if rec.DisputesWon != 1 {
		t.Errorf("disputes won = %d, want 1", rec.DisputesWon)
	}
}

func TestEngine_DisputeResolve_FavorCreator(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rejectKeepingEscrow(t, h, id)
	if err := h.engine.Dispute(ctx, h.hunter, id); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if err := h.engine.Resolve(ctx, arbiterAddr, id, false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := h.status(t, id); got != bounty.StatusRejected {
		t.Errorf("status = %s, want rejected", got)
	}
	if got := h.balance(t, creatorAddr); got != 10000 {
		t.Errorf("creator = %d, want full refund", got)
	}
	rec, _ := h.stores.Reputation.GetRecord(ctx, h.hunter)
	if rec.DisputesLost != 1 {
		t.Errorf("disputes lost = %d, want 1", rec.DisputesLost)
	}
	// Settled disputes cannot be re-resolved.
	if err := h.engine.Resolve(ctx, arbiterAddr, id, true); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("second resolve: err = %v, want state guard", err)
	}
}

func TestEngine_Cancel(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Cancel(ctx, h.hunter, id); !errors.Is(err, bounty.ErrNotCreator) {
		t.Errorf("cancel by hunter: err = %v, want ErrNotCreator", err)
	}
	if err := h.engine.Cancel(ctx, h.creator, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := h.status(t, id); got != bounty.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
	if got := h.balance(t, creatorAddr); got != 10000 {
		t.Errorf("creator = %d, want full refund", got)
	}

	// Claimed bounties cannot be cancelled.
	id2 := h.create(t, 1000, 0)
	if err := h.engine.Claim(ctx, h.hunter, id2); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Cancel(ctx, h.creator, id2); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("cancel claimed: err = %v, want state guard", err)
	}
}

func TestEngine_Expire(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Expire(ctx, id); !errors.Is(err, bounty.ErrDeadlineNotReached) {
		t.Errorf("early expire: err = %v, want ErrDeadlineNotReached", err)
	}

	h.now = h.now.Add(72 * time.Hour)
	if err := h.engine.Expire(ctx, id); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got := h.status(t, id); got != bounty.StatusExpired {
		t.Errorf("status = %s, want expired", got)
	}
	if got := h.balance(t, creatorAddr); got != 10000 {
		t.Errorf("creator = %d, want full refund", got)
	}

	// Expired bounties cannot be claimed.
	if err := h.engine.Claim(ctx, h.hunter, id); !errors.Is(err, fault.ErrStateGuard) {
		t.Errorf("claim expired: err = %v, want state guard", err)
	}
}

func TestEngine_Expire_Claimed(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	h.now = h.now.Add(72 * time.Hour)
	if err := h.engine.Expire(ctx, id); err != nil {
		t.Fatalf("Expire claimed: %v", err)
	}
	if got := h.status(t, id); got != bounty.StatusExpired {
		t.Errorf("status = %s, want expired", got)
	}
}

func TestEngine_Create_RequiresWallet(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()

	a, _ := h.stores.Agents.GetAgent(ctx, h.creator)
	a.Wallet = common.Address{}
	if err := h.stores.Agents.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	_, err := h.engine.Create(ctx, h.creator, bounty.CreateSpec{
		Title:        "x",
		RewardToken:  "USDC",
		RewardAmount: big.NewInt(1),
		Deadline:     h.now.Add(time.Hour),
	})
	if !errors.Is(err, bounty.ErrWalletUnbound) {
		t.Errorf("err = %v, want ErrWalletUnbound", err)
	}
}

func TestEngine_Approve_RequiresHunterWallet(t *testing.T) {
	h := newMarket(t)
	ctx := context.Background()
	id := h.create(t, 1000, 0)

	if err := h.engine.Claim(ctx, h.hunter, id); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.engine.Submit(ctx, h.hunter, id, "ref"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	a, _ := h.stores.Agents.GetAgent(ctx, h.hunter)
	a.Wallet = common.Address{}
	if err := h.stores.Agents.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if err := h.engine.Approve(ctx, h.creator, id, 5, ""); !errors.Is(err, bounty.ErrWalletUnbound) {
		t.Errorf("err = %v, want ErrWalletUnbound", err)
	}
	// Nothing was paid or recorded.
	if got := h.balance(t, vaultAddr); got != 1000 {
		t.Errorf("vault = %d, want 1000", got)
	}
	rec, _ := h.stores.Reputation.GetRecord(ctx, h.hunter)
	if rec.CompletedBounties != 0 {
		t.Errorf("completion recorded despite failed approve")
	}
}
