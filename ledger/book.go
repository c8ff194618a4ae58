// Package ledger models the value-transfer substrate the marketplace
// sits on: a balance book keyed by (token, address) with atomic
// transfers. It stands in for the external settlement network; the
// escrow store is its only mutating consumer besides admin credits.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Book tracks token balances and moves value between addresses.
type Book interface {
	// Balance returns the current balance, zero for unknown accounts.
	Balance(ctx context.Context, token string, addr common.Address) (*big.Int, error)

	// Credit adds amount to an account. Used when the external payment
	// layer has verified an inbound transfer.
	Credit(ctx context.Context, token string, addr common.Address, amount *big.Int) error

	// Transfer moves amount from one account to another atomically.
	// Fails ErrInsufficientFunds without changing either balance.
	Transfer(ctx context.Context, token string, from, to common.Address, amount *big.Int) error
}

// CheckAmount validates a transfer amount.
func CheckAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
