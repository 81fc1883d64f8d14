package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/payments"
)

// PostgresStore persists escrows in PostgreSQL. Settlement records live in
// the transactions table and are finalized in the same SQL transaction as
// the escrow write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, escrow_account_id, escrow_public_key, source_public_key, destination_public_key,
	amount::TEXT, asset_code, asset_issuer, status, release_after, quorum_signers, quorum_threshold,
	expires_at, released_at, refunded_at, fund_tx_hash, release_tx_hash, refund_tx_hash,
	refund_reason, dispute_id, memo, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, fund *Settlement) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		signers, threshold := quorumColumns(e.Quorum)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrows (
				id, escrow_account_id, escrow_public_key, source_public_key, destination_public_key,
				amount, asset_code, asset_issuer, status, release_after, quorum_signers, quorum_threshold,
				expires_at, fund_tx_hash, memo, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6::NUMERIC(30,7), $7, $8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17
			)`,
			e.ID, e.EscrowAccountID, e.EscrowPublicKey, e.Source, e.Destination,
			e.Amount, nullString(e.Asset.Code), nullString(e.Asset.Issuer), string(e.Status),
			nullTime(e.ReleaseAfter), pq.Array(signers), threshold,
			nullTime(e.ExpiresAt), nullString(e.FundTxHash), nullString(e.Memo), e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if fund != nil {
			return payments.FinalizeRecord(ctx, tx, fund.RecordID, fund.Outcome)
		}
		return nil
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE ($1::TEXT = '' OR source_public_key = $1::TEXT OR destination_public_key = $1::TEXT)
		  AND ($2::TEXT = '' OR status = $2::TEXT)
		ORDER BY created_at DESC
		LIMIT $3`, f.PublicKey, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, after *ExpiryMark, limit int) ([]*Escrow, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.ExpiresAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('ACTIVE', 'EXPIRED')
		  AND expires_at < $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (expires_at, id) > ($2::TIMESTAMPTZ, $3::TEXT))
		ORDER BY expires_at, id
		LIMIT $4`, before, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, t Transition) (*Escrow, error) {
	var out *Escrow
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var releasedAt, refundedAt *time.Time
		var releaseHash, refundHash, reason string
		switch t.To {
		case StatusReleased:
			releasedAt, releaseHash = &t.At, t.TxHash
		case StatusRefunded:
			refundedAt, refundHash, reason = &t.At, t.TxHash, t.RefundReason
		}
		from := make([]string, len(t.From))
		for i, s := range t.From {
			from[i] = string(s)
		}

		e, err := scanEscrow(tx.QueryRowContext(ctx, `
			UPDATE escrows SET
				status = $2,
				updated_at = $3,
				released_at = COALESCE($4, released_at),
				refunded_at = COALESCE($5, refunded_at),
				release_tx_hash = COALESCE($6, release_tx_hash),
				refund_tx_hash = COALESCE($7, refund_tx_hash),
				refund_reason = COALESCE($8, refund_reason),
				dispute_id = COALESCE($9, dispute_id)
			WHERE id = $1 AND status = ANY($10)
			RETURNING `+escrowColumns,
			id, string(t.To), t.At, nullTime(releasedAt), nullTime(refundedAt),
			nullString(releaseHash), nullString(refundHash), nullString(reason), nullString(t.DisputeID),
			pq.Array(from),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return p.transitionRefused(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		if t.Settlement != nil {
			if err := payments.FinalizeRecord(ctx, tx, t.Settlement.RecordID, t.Settlement.Outcome); err != nil {
				return err
			}
		}
		out = e
		return nil
	})
	return out, err
}

// transitionRefused explains why a guarded update matched nothing.
func (p *PostgresStore) transitionRefused(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM escrows WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEscrowNotFound
	}
	if err != nil {
		return err
	}
	if Status(status).IsTerminal() {
		return ErrAlreadyResolved
	}
	return ErrInvalidStatus
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("escrow: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status                            string
		code, issuer                      sql.NullString
		fundHash, releaseHash, refundHash sql.NullString
		reason, disputeID, memo           sql.NullString
		releaseAfter, expiresAt           sql.NullTime
		releasedAt, refundedAt            sql.NullTime
		signers                           []string
		threshold                         int
	)
	err := s.Scan(
		&e.ID, &e.EscrowAccountID, &e.EscrowPublicKey, &e.Source, &e.Destination,
		&e.Amount, &code, &issuer, &status, &releaseAfter, pq.Array(&signers), &threshold,
		&expiresAt, &releasedAt, &refundedAt, &fundHash, &releaseHash, &refundHash,
		&reason, &disputeID, &memo, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Asset = chain.Asset{Code: code.String, Issuer: issuer.String}
	e.FundTxHash = fundHash.String
	e.ReleaseTxHash = releaseHash.String
	e.RefundTxHash = refundHash.String
	e.RefundReason = reason.String
	e.DisputeID = disputeID.String
	e.Memo = memo.String
	e.ReleaseAfter = timePtr(releaseAfter)
	e.ExpiresAt = timePtr(expiresAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	if threshold > 0 {
		e.Quorum = &Quorum{Signers: signers, Threshold: threshold}
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func quorumColumns(q *Quorum) ([]string, int) {
	if q == nil {
		return []string{}, 0
	}
	return q.Signers, q.Threshold
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

var _ Store = (*PostgresStore)(nil)
