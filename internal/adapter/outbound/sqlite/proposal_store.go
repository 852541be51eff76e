// Package sqlite provides the durable proposal store. The EXECUTING
// pre-record persisted here is what makes execute single-shot across
// crashes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
)

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id                 TEXT PRIMARY KEY,
	mutation_name      TEXT NOT NULL,
	payload            TEXT NOT NULL,
	proposer           TEXT NOT NULL,
	proposed_at        INTEGER NOT NULL,
	timelock_until     INTEGER NOT NULL,
	approvals          TEXT NOT NULL,
	required_approvals INTEGER NOT NULL,
	status             TEXT NOT NULL,
	outcome            TEXT
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_proposals_proposer ON proposals(proposer);
`

// ProposalStore implements proposal.Store on SQLite via database/sql.
// Mutations run inside a transaction over a single open connection, so
// concurrent transitions on the same proposal serialize.
type ProposalStore struct {
	db *sql.DB
}

// NewProposalStore opens (creating if needed) the proposal database at dsn.
func NewProposalStore(ctx context.Context, dsn string) (*ProposalStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open proposal database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent mutations.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply proposal schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return &ProposalStore{db: db}, nil
}

// Create persists a new proposal.
func (s *ProposalStore) Create(ctx context.Context, p *proposal.Proposal) error {
	payload, approvals, outcome, err := encodeColumns(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals
		(id, mutation_name, payload, proposer, proposed_at, timelock_until,
		 approvals, required_approvals, status, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MutationName, payload, p.Proposer,
		p.ProposedAt.UTC().UnixMilli(), p.TimelockUntil.UTC().UnixMilli(),
		approvals, p.RequiredApprovals, string(p.Status), outcome)
	if err != nil {
		return fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	return nil
}

// Get returns the proposal, or proposal.ErrNotFound.
func (s *ProposalStore) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proposal.ErrNotFound
	}
	return p, err
}

// List returns proposals matching the filter, ordered by ProposedAt.
func (s *ProposalStore) List(ctx context.Context, f proposal.Filter) ([]*proposal.Proposal, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Proposer != "" {
		query += ` AND proposer = ?`
		args = append(args, f.Proposer)
	}
	if f.MutationName != "" {
		query += ` AND mutation_name = ?`
		args = append(args, f.MutationName)
	}
	query += ` ORDER BY proposed_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Mutate loads the proposal inside a transaction, applies fn, and writes
// the result back if fn returns nil.
func (s *ProposalStore) Mutate(ctx context.Context, id string, fn func(p *proposal.Proposal) error) (*proposal.Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin proposal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proposal.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	payload, approvals, outcome, err := encodeColumns(p)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET approvals = ?, status = ?, outcome = ?
		WHERE id = ?`,
		approvals, string(p.Status), outcome, p.ID); err != nil {
		return nil, fmt.Errorf("update proposal %s: %w", p.ID, err)
	}
	// Payload is immutable after creation but written anyway to keep the
	// row authoritative.
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET payload = ? WHERE id = ?`, payload, p.ID); err != nil {
		return nil, fmt.Errorf("update proposal payload %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit proposal %s: %w", p.ID, err)
	}
	return p, nil
}

// Close closes the underlying database.
func (s *ProposalStore) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT id, mutation_name, payload, proposer, proposed_at,
	       timelock_until, approvals, required_approvals, status, outcome
	FROM proposals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*proposal.Proposal, error) {
	var (
		p          proposal.Proposal
		payload    string
		approvals  string
		status     string
		outcome    sql.NullString
		proposedAt int64
		timelockAt int64
	)
	if err := row.Scan(&p.ID, &p.MutationName, &payload, &p.Proposer,
		&proposedAt, &timelockAt, &approvals, &p.RequiredApprovals,
		&status, &outcome); err != nil {
		return nil, err
	}

	p.ProposedAt = time.UnixMilli(proposedAt).UTC()
	p.TimelockUntil = time.UnixMilli(timelockAt).UTC()
	p.Status = proposal.Status(status)

	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", p.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(approvals), &p.Approvals); err != nil {
		return nil, fmt.Errorf("decode approvals for %s: %w", p.ID, err)
	}
	if outcome.Valid && outcome.String != "" {
		p.Outcome = &proposal.Outcome{}
		if err := json.Unmarshal([]byte(outcome.String), p.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func encodeColumns(p *proposal.Proposal) (payload, approvals string, outcome sql.NullString, err error) {
	payloadBytes, err := json.Marshal(p.Payload)
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("encode payload for %s: %w", p.ID, err)
	}
	approvalBytes, err := json.Marshal(p.Approvals)
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("encode approvals for %s: %w", p.ID, err)
	}
	if p.Outcome != nil {
		outcomeBytes, err := json.Marshal(p.Outcome)
		if err != nil {
			return "", "", sql.NullString{}, fmt.Errorf("encode outcome for %s: %w", p.ID, err)
		}
		outcome = sql.NullString{String: string(outcomeBytes), Valid: true}
	}
	return string(payloadBytes), string(approvalBytes), outcome, nil
}

// Compile-time interface verification.
var _ proposal.Store = (*ProposalStore)(nil)
