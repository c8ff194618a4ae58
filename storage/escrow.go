package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/openbounty/bountyd/escrow"
)

// escrowStore implements escrow.Store.
type escrowStore struct {
	q querier
}

func (s *escrowStore) CreateDeposit(ctx context.Context, d *escrow.Deposit) error {
	var exists int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM escrow_deposits WHERE bounty_id=?`, d.BountyID,
	).Scan(&exists)
	if err == nil {
		return escrow.ErrDuplicateDeposit
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check deposit: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO escrow_deposits
			(bounty_id, token, amount, depositor, recipient, status, created_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		d.BountyID, d.Token, d.Amount.String(), addrText(d.Depositor),
		addrText(d.Recipient), string(d.Status), d.CreatedAt, nullTime(d.ResolvedAt),
	); err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

func (s *escrowStore) GetDeposit(ctx context.Context, bountyID uint64) (*escrow.Deposit, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT bounty_id, token, amount, depositor, recipient, status, created_at, resolved_at
		FROM escrow_deposits WHERE bounty_id = ?`, bountyID)

	var d escrow.Deposit
	var amount, depositor, recipient, status string
	var resolvedAt sql.NullTime
	err := row.Scan(&d.BountyID, &d.Token, &amount, &depositor, &recipient, &status,
		&d.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bounty %d: %w", bountyID, escrow.ErrNoDeposit)
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit %d: %w", bountyID, err)
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("deposit %d: bad amount %q", bountyID, amount)
	}
	d.Amount = amt
	d.Depositor = addrFromText(depositor)
	d.Recipient = addrFromText(recipient)
	d.Status = escrow.Status(status)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

func (s *escrowStore) UpdateDeposit(ctx context.Context, d *escrow.Deposit) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE escrow_deposits SET recipient=?, status=?, resolved_at=? WHERE bounty_id=?`,
		addrText(d.Recipient), string(d.Status), nullTime(d.ResolvedAt), d.BountyID,
	)
	if err != nil {
		return fmt.Errorf("update deposit %d: %w", d.BountyID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("bounty %d: %w", d.BountyID, escrow.ErrNoDeposit)
	}
	return nil
}
