package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/identity"
)

// agentStore implements identity.Store. When bound to the shared
// connection (db != nil) multi-statement writes open their own
// transaction; inside an engine transaction q is already a *sql.Tx.
type agentStore struct {
	q  querier
	db *sql.DB
}

func addrText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func addrFromText(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (s *agentStore) CreateAgent(ctx context.Context, a *identity.Agent, metadata map[string][]byte) (uint64, error) {
	q := s.q
	var tx *sql.Tx
	if s.db != nil {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck
		q = tx
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO agents (owner, wallet, uri, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		addrText(a.Owner), addrText(a.Wallet), a.URI, a.Active, a.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = uint64(id)

	for key, value := range metadata {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO agent_metadata (agent_id, key, value) VALUES (?, ?, ?)`,
			a.ID, key, value,
		); err != nil {
			return 0, fmt.Errorf("insert metadata %q: %w", key, err)
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit agent: %w", err)
		}
	}
	return a.ID, nil
}

func (s *agentStore) GetAgent(ctx context.Context, id uint64) (*identity.Agent, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, owner, wallet, uri, active, created_at FROM agents WHERE id = ?`, id)

	var a identity.Agent
	var owner, wallet string
	err := row.Scan(&a.ID, &owner, &wallet, &a.URI, &a.Active, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, identity.ErrAgentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %d: %w", id, err)
	}
	a.Owner = addrFromText(owner)
	a.Wallet = addrFromText(wallet)
	return &a, nil
}

func (s *agentStore) UpdateAgent(ctx context.Context, a *identity.Agent) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE agents SET owner=?, wallet=?, uri=?, active=? WHERE id=?`,
		addrText(a.Owner), addrText(a.Wallet), a.URI, a.Active, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent %d: %w", a.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("agent %d: %w", a.ID, identity.ErrAgentNotFound)
	}
	return nil
}

func (s *agentStore) PutMetadata(ctx context.Context, id uint64, key string, value []byte) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO agent_metadata (agent_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET value=excluded.value`,
		id, key, value,
	)
	if err != nil {
		return fmt.Errorf("put metadata %q: %w", key, err)
	}
	return nil
}

func (s *agentStore) GetMetadata(ctx context.Context, id uint64, key string) ([]byte, error) {
	var value []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT value FROM agent_metadata WHERE agent_id=? AND key=?`, id, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, nil
}

func (s *agentStore) AllMetadata(ctx context.Context, id uint64) (map[string][]byte, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT key, value FROM agent_metadata WHERE agent_id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	md := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		md[key] = value
	}
	return md, rows.Err()
}
