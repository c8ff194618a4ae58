package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/ledger"
)

// balanceStore implements ledger.Book over the balances table.
// Transfers are only issued from inside an engine transaction, so the
// read-check-write sequence is serialized with the rest of the
// transition.
type balanceStore struct {
	q querier
}

func (s *balanceStore) Balance(ctx context.Context, token string, addr common.Address) (*big.Int, error) {
	var amount string
	err := s.q.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE token=? AND address=?`,
		token, addrText(addr),
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	bal, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("bad balance %q for %s/%s", amount, token, addr.Hex())
	}
	return bal, nil
}

func (s *balanceStore) Credit(ctx context.Context, token string, addr common.Address, amount *big.Int) error {
	if err := ledger.CheckAmount(amount); err != nil {
		return err
	}
	bal, err := s.Balance(ctx, token, addr)
	if err != nil {
		return err
	}
	return s.put(ctx, token, addr, bal.Add(bal, amount))
}

func (s *balanceStore) Transfer(ctx context.Context, token string, from, to common.Address, amount *big.Int) error {
	if err := ledger.CheckAmount(amount); err != nil {
		return err
	}
	fromBal, err := s.Balance(ctx, token, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%s from %s: %w", token, from.Hex(), ledger.ErrInsufficientFunds)
	}
	// Same account on both sides nets to zero; writing both snapshots
	// back would double-count the amount.
	if from == to {
		return nil
	}
	toBal, err := s.Balance(ctx, token, to)
	if err != nil {
		return err
	}
	if err := s.put(ctx, token, from, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	return s.put(ctx, token, to, toBal.Add(toBal, amount))
}

func (s *balanceStore) put(ctx context.Context, token string, addr common.Address, amount *big.Int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO balances (token, address, amount) VALUES (?, ?, ?)
		ON CONFLICT(token, address) DO UPDATE SET amount=excluded.amount`,
		token, addrText(addr), amount.String(),
	)
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}
