package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openbounty/bountyd/reputation"
)

// reputationStore implements reputation.Store.
type reputationStore struct {
	q querier
}

func (s *reputationStore) GetRecord(ctx context.Context, agentID uint64) (*reputation.Record, error) {
	rec := &reputation.Record{AgentID: agentID}
	err := s.q.QueryRowContext(ctx, `
		SELECT total_ratings, rating_sum, completed, failed, disputes_won, disputes_lost
		FROM reputation WHERE agent_id = ?`, agentID,
	).Scan(&rec.TotalRatings, &rec.RatingSum, &rec.CompletedBounties,
		&rec.FailedBounties, &rec.DisputesWon, &rec.DisputesLost)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil // no history yet
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation %d: %w", agentID, err)
	}
	return rec, nil
}

func (s *reputationStore) AddFeedback(ctx context.Context, fb *reputation.Feedback) error {
	var exists int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM feedback WHERE bounty_id=? AND to_agent=?`,
		fb.BountyID, fb.ToAgent,
	).Scan(&exists)
	if err == nil {
		return reputation.ErrDuplicateFeedback
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check feedback: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO feedback (bounty_id, to_agent, from_agent, rating, comment_ref, proof_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fb.BountyID, fb.ToAgent, fb.FromAgent, fb.Rating, fb.CommentRef, fb.ProofRef, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO reputation (agent_id, total_ratings, rating_sum)
		VALUES (?, 1, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			total_ratings = total_ratings + 1,
			rating_sum    = rating_sum + excluded.rating_sum`,
		fb.ToAgent, fb.Rating,
	); err != nil {
		return fmt.Errorf("bump rating counters: %w", err)
	}
	return nil
}

func (s *reputationStore) AddCompletion(ctx context.Context, agentID uint64, success bool) error {
	completed, failed := 0, 1
	if success {
		completed, failed = 1, 0
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO reputation (agent_id, completed, failed)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			completed = completed + excluded.completed,
			failed    = failed + excluded.failed`,
		agentID, completed, failed,
	); err != nil {
		return fmt.Errorf("bump completion counters: %w", err)
	}
	return nil
}

func (s *reputationStore) AddDispute(ctx context.Context, agentID uint64, won bool) error {
	w, l := 0, 1
	if won {
		w, l = 1, 0
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO reputation (agent_id, disputes_won, disputes_lost)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			disputes_won  = disputes_won + excluded.disputes_won,
			disputes_lost = disputes_lost + excluded.disputes_lost`,
		agentID, w, l,
	); err != nil {
		return fmt.Errorf("bump dispute counters: %w", err)
	}
	return nil
}
