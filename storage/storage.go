// Package storage persists all marketplace state in a single SQLite
// database behind the domain store interfaces. One DB, one writer;
// DB.InTx hands the caller a transactional view of every store so a
// lifecycle transition commits all of its writes or none.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/openbounty/bountyd/bounty"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner      TEXT NOT NULL,
	wallet     TEXT NOT NULL DEFAULT '',
	uri        TEXT NOT NULL DEFAULT '',
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_metadata (
	agent_id INTEGER NOT NULL,
	key      TEXT NOT NULL,
	value    BLOB NOT NULL,
	PRIMARY KEY (agent_id, key)
);

CREATE TABLE IF NOT EXISTS reputation (
	agent_id      INTEGER PRIMARY KEY,
	total_ratings INTEGER NOT NULL DEFAULT 0,
	rating_sum    INTEGER NOT NULL DEFAULT 0,
	completed     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	disputes_won  INTEGER NOT NULL DEFAULT 0,
	disputes_lost INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS feedback (
	bounty_id   INTEGER NOT NULL,
	to_agent    INTEGER NOT NULL,
	from_agent  INTEGER NOT NULL,
	rating      INTEGER NOT NULL,
	comment_ref TEXT NOT NULL DEFAULT '',
	proof_ref   TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (bounty_id, to_agent)
);

CREATE TABLE IF NOT EXISTS bounties (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	creator         INTEGER NOT NULL,
	title           TEXT NOT NULL,
	description_ref TEXT NOT NULL DEFAULT '',
	reward_token    TEXT NOT NULL,
	reward_amount   TEXT NOT NULL,
	deadline        DATETIME NOT NULL,
	min_reputation  INTEGER NOT NULL DEFAULT 0,
	required_skills TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL,
	claimed_by      INTEGER NOT NULL DEFAULT 0,
	claimed_at      DATETIME,
	submission_ref  TEXT NOT NULL DEFAULT '',
	submitted_at    DATETIME,
	reject_reason   TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bounties_status ON bounties(status);
CREATE INDEX IF NOT EXISTS idx_bounties_creator ON bounties(creator);
CREATE INDEX IF NOT EXISTS idx_bounties_claimed_by ON bounties(claimed_by);

CREATE TABLE IF NOT EXISTS escrow_deposits (
	bounty_id   INTEGER PRIMARY KEY,
	token       TEXT NOT NULL,
	amount      TEXT NOT NULL,
	depositor   TEXT NOT NULL,
	recipient   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS balances (
	token   TEXT NOT NULL,
	address TEXT NOT NULL,
	amount  TEXT NOT NULL,
	PRIMARY KEY (token, address)
);
`

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so every query runs identically inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the shared SQLite handle. It implements bounty.TxRunner.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema
// exists. The caller is responsible for calling Close.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{sql: db}, nil
}

// Close releases the underlying database connection.
func (d *DB) Close() error { return d.sql.Close() }

// Stores returns store implementations bound to the shared connection,
// suitable for reads and standalone single-component writes.
func (d *DB) Stores() bounty.Stores {
	return bounty.Stores{
		Bounties:   &bountyStore{q: d.sql},
		Escrow:     &escrowStore{q: d.sql},
		Book:       &balanceStore{q: d.sql},
		Agents:     &agentStore{q: d.sql, db: d.sql},
		Reputation: &reputationStore{q: d.sql},
	}
}

// InTx runs fn against store views bound to one transaction and
// commits only if fn returns nil.
func (d *DB) InTx(ctx context.Context, fn func(s bounty.Stores) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	s := bounty.Stores{
		Bounties:   &bountyStore{q: tx},
		Escrow:     &escrowStore{q: tx},
		Book:       &balanceStore{q: tx},
		Agents:     &agentStore{q: tx},
		Reputation: &reputationStore{q: tx},
	}
	if err := fn(s); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
