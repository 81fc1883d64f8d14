package disputes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes and arbiter votes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, opened_by, reason, arbiters, status, votes_source, votes_dest,
	outcome, resolved_at, settled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, escrow_id, opened_by, reason, arbiters, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.EscrowID, d.OpenedBy, d.Reason, pq.Array(d.Arbiters), string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDisputeExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Discard(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM disputes
		WHERE id = $1 AND status = 'OPEN'
		  AND NOT EXISTS (SELECT 1 FROM arbiter_votes WHERE dispute_id = $1)`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, id); errors.Is(err, ErrDisputeNotFound) {
			return nil
		}
		return errNotDiscardable
	}
	return nil
}

// AddVote inserts the vote and bumps the tally in one transaction. The row
// lock on the dispute orders concurrent votes; the unique (dispute_id,
// arbiter_id) constraint rejects a second ballot.
func (p *PostgresStore) AddVote(ctx context.Context, v *Vote) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("disputes: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1 FOR UPDATE`, v.DisputeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if Status(status) != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO arbiter_votes (id, dispute_id, arbiter_id, favor_source, note, submission_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.DisputeID, v.ArbiterID, v.FavorSource, nullString(v.Note), nullString(v.SubmissionHash), v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyVoted
	}
	if err != nil {
		return nil, err
	}

	d, err := scanDispute(tx.QueryRowContext(ctx, `
		UPDATE disputes SET
			votes_source = votes_source + CASE WHEN $2 THEN 1 ELSE 0 END,
			votes_dest = votes_dest + CASE WHEN $2 THEN 0 ELSE 1 END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+disputeColumns, v.DisputeID, v.FavorSource, v.CreatedAt))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) ListVotes(ctx context.Context, disputeID string) ([]*Vote, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, arbiter_id, favor_source, note, submission_hash, created_at
		FROM arbiter_votes
		WHERE dispute_id = $1
		ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Vote
	for rows.Next() {
		v := &Vote{}
		var note, hash sql.NullString
		if err := rows.Scan(&v.ID, &v.DisputeID, &v.ArbiterID, &v.FavorSource, &note, &hash, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Note = note.String
		v.SubmissionHash = hash.String
		result = append(result, v)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, outcome Outcome, at time.Time) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		UPDATE disputes SET status = 'RESOLVED', outcome = $2, resolved_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'OPEN'
		RETURNING `+disputeColumns, id, string(outcome), at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrAlreadyResolved
	}
	return d, err
}

func (p *PostgresStore) MarkSettled(ctx context.Context, id string, at time.Time) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		UPDATE disputes SET
			settled_at = COALESCE(settled_at, $2),
			updated_at = CASE WHEN settled_at IS NULL THEN $2 ELSE updated_at END
		WHERE id = $1 AND status = 'RESOLVED'
		RETURNING `+disputeColumns, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotResolved
	}
	return d, err
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'RESOLVED' AND settled_at IS NULL
		ORDER BY resolved_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                string
		outcome               sql.NullString
		resolvedAt, settledAt sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, pq.Array(&d.Arbiters), &status,
		&d.VotesForSource, &d.VotesForDestination, &outcome, &resolvedAt, &settledAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Outcome = Outcome(outcome.String)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if settledAt.Valid {
		d.SettledAt = &settledAt.Time
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
