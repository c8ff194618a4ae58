package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/openbounty/bountyd/bounty"
)

// bountyStore implements bounty.Store.
type bountyStore struct {
	q querier
}

func (s *bountyStore) CreateBounty(ctx context.Context, b *bounty.Bounty) (uint64, error) {
	skills, _ := json.Marshal(b.RequiredSkills)
	if b.RequiredSkills == nil {
		skills = []byte("[]")
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO bounties
			(creator, title, description_ref, reward_token, reward_amount, deadline,
			 min_reputation, required_skills, status, claimed_by, claimed_at,
			 submission_ref, submitted_at, reject_reason, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.Creator, b.Title, b.DescriptionRef, b.RewardToken, b.RewardAmount.String(),
		b.Deadline, b.MinReputation, string(skills), string(b.Status),
		b.ClaimedBy, nullTime(b.ClaimedAt),
		b.SubmissionRef, nullTime(b.SubmittedAt), b.RejectReason,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert bounty: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	b.ID = uint64(id)
	return b.ID, nil
}

func (s *bountyStore) GetBounty(ctx context.Context, id uint64) (*bounty.Bounty, error) {
	row := s.q.QueryRowContext(ctx, `SELECT * FROM bounties WHERE id = ?`, id)
	b, err := scanBounty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bounty %d: %w", id, bounty.ErrBountyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bounty %d: %w", id, err)
	}
	return b, nil
}

func (s *bountyStore) UpdateBounty(ctx context.Context, b *bounty.Bounty) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bounties SET
			status=?, claimed_by=?, claimed_at=?, submission_ref=?, submitted_at=?,
			reject_reason=?, updated_at=?
		WHERE id=?`,
		string(b.Status), b.ClaimedBy, nullTime(b.ClaimedAt),
		b.SubmissionRef, nullTime(b.SubmittedAt),
		b.RejectReason, b.UpdatedAt,
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("update bounty %d: %w", b.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("bounty %d: %w", b.ID, bounty.ErrBountyNotFound)
	}
	return nil
}

func (s *bountyStore) ListBounties(ctx context.Context, f bounty.Filter) ([]*bounty.Bounty, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM bounties WHERE 1=1")
	args := []any{}

	if f.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*f.Status))
	}
	if f.Creator != 0 {
		q.WriteString(" AND creator=?")
		args = append(args, f.Creator)
	}
	if f.Hunter != 0 {
		q.WriteString(" AND claimed_by=?")
		args = append(args, f.Hunter)
	}
	q.WriteString(" ORDER BY id DESC")

	rows, err := s.q.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list bounties: %w", err)
	}
	defer rows.Close()

	// Skill and reward-range filters need decoded values, so they are
	// applied here along with pagination.
	skill := bounty.NormalizeSkill(f.Skill)
	var out []*bounty.Bounty
	skipped := 0
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		if skill != "" && !hasSkill(b, skill) {
			continue
		}
		if f.MinReward != nil && b.RewardAmount.Cmp(f.MinReward) < 0 {
			continue
		}
		if f.MaxReward != nil && b.RewardAmount.Cmp(f.MaxReward) > 0 {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, b)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func hasSkill(b *bounty.Bounty, skill string) bool {
	for _, s := range b.RequiredSkills {
		if s == skill {
			return true
		}
	}
	return false
}

func scanBounty(s scanner) (*bounty.Bounty, error) {
	var b bounty.Bounty
	var status, skillsJSON, amount string
	var claimedAt, submittedAt sql.NullTime

	err := s.Scan(
		&b.ID, &b.Creator, &b.Title, &b.DescriptionRef,
		&b.RewardToken, &amount, &b.Deadline,
		&b.MinReputation, &skillsJSON, &status,
		&b.ClaimedBy, &claimedAt,
		&b.SubmissionRef, &submittedAt, &b.RejectReason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = bounty.Status(status)
	reward, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("bounty %d: bad reward amount %q", b.ID, amount)
	}
	b.RewardAmount = reward
	_ = json.Unmarshal([]byte(skillsJSON), &b.RequiredSkills)

	if claimedAt.Valid {
		b.ClaimedAt = &claimedAt.Time
	}
	if submittedAt.Valid {
		b.SubmittedAt = &submittedAt.Time
	}
	return &b, nil
}
