package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type accountKey struct {
	token string
	addr  common.Address
}

// MemBook is an in-memory Book. It backs tests and lets the escrow and
// engine layers be exercised without a database.
type MemBook struct {
	mu       sync.Mutex
	balances map[accountKey]*big.Int
}

// NewMemBook creates an empty in-memory balance book.
func NewMemBook() *MemBook {
	return &MemBook{balances: make(map[accountKey]*big.Int)}
}

func (b *MemBook) Balance(_ context.Context, token string, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[accountKey{token, addr}]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *MemBook) Credit(_ context.Context, token string, addr common.Address, amount *big.Int) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(accountKey{token, addr}, amount)
	return nil
}

func (b *MemBook) Transfer(_ context.Context, token string, from, to common.Address, amount *big.Int) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := accountKey{token, from}
	bal, ok := b.balances[key]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	bal.Sub(bal, amount)
	b.add(accountKey{token, to}, amount)
	return nil
}

// add assumes the lock is held.
func (b *MemBook) add(key accountKey, amount *big.Int) {
	if bal, ok := b.balances[key]; ok {
		bal.Add(bal, amount)
		return
	}
	b.balances[key] = new(big.Int).Set(amount)
}
