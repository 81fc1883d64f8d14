package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/pagination"
)

// PostgresStore persists Transaction Records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// InsertRecord writes t through ex. Other packages call it inside their own
// transaction to record settlements atomically with their domain write.
func InsertRecord(ctx context.Context, ex Execer, t *Transaction) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO transactions (
			id, kind, owner, hash, source, destination, amount,
			asset_code, asset_issuer, fee_paid, memo, status,
			idempotency_key, ledger, error_message, escrow_id, valid_until,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::NUMERIC(30,7),
			$8, $9, $10::NUMERIC(30,7), $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		t.ID, string(t.Kind), t.Owner, nullString(t.Hash), t.Source, t.Destination, t.Amount,
		nullString(t.Asset.Code), nullString(t.Asset.Issuer), nullString(t.FeePaid), nullString(t.Memo), string(t.Status),
		nullString(t.IdempotencyKey), nullInt64(t.Ledger), nullString(t.ErrorMessage), nullString(t.EscrowID), nullTime(t.ValidUntil),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, t *Transaction) error {
	return InsertRecord(ctx, p.db, t)
}

const transactionColumns = `id, kind, owner, hash, source, destination, amount::TEXT,
	asset_code, asset_issuer, fee_paid::TEXT, memo, status,
	idempotency_key, ledger, error_message, escrow_id, valid_until,
	created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, owner, key string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE owner = $1 AND idempotency_key = $2`, owner, key)
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE hash = $1`, hash)
}

func (p *PostgresStore) List(ctx context.Context, publicKey string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		beforeAt sql.NullTime
		beforeID string
	)
	if before != nil {
		beforeAt = sql.NullTime{Time: before.CreatedAt, Valid: true}
		beforeID = before.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1::TEXT = '' OR source = $1::TEXT OR destination = $1::TEXT)
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2::TIMESTAMPTZ, $3::TEXT))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, publicKey, beforeAt, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) Finalize(ctx context.Context, id string, o Outcome) (*Transaction, error) {
	if err := FinalizeRecord(ctx, p.db, id, o); err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

// FinalizeRecord applies o to the PENDING record id through ex, so callers
// can finalize a settlement inside their own transaction.
func FinalizeRecord(ctx context.Context, ex Execer, id string, o Outcome) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2,
			hash = COALESCE($3, hash),
			ledger = COALESCE($4, ledger),
			fee_paid = COALESCE($5::NUMERIC(30,7), fee_paid),
			error_message = $6,
			updated_at = $7
		WHERE id = $1 AND status = 'PENDING'`,
		id, string(o.Status), nullString(o.Hash), nullInt64(o.Ledger), nullString(o.FeePaid),
		nullString(o.ErrorMessage), o.At,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := ex.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrAlreadyFinal
}

func (p *PostgresStore) getOne(ctx context.Context, query string, args ...interface{}) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		kind, status                        string
		hash, code, issuer, fee, memo, idem sql.NullString
		errMsg, escrowID                    sql.NullString
		ledger                              sql.NullInt64
		validUntil                          sql.NullTime
	)
	err := s.Scan(
		&t.ID, &kind, &t.Owner, &hash, &t.Source, &t.Destination, &t.Amount,
		&code, &issuer, &fee, &memo, &status,
		&idem, &ledger, &errMsg, &escrowID, &validUntil,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.Hash = hash.String
	t.Asset = chain.Asset{Code: code.String, Issuer: issuer.String}
	t.FeePaid = fee.String
	t.Memo = memo.String
	t.IdempotencyKey = idem.String
	t.Ledger = ledger.Int64
	t.ErrorMessage = errMsg.String
	t.EscrowID = escrowID.String
	if validUntil.Valid {
		t.ValidUntil = &validUntil.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
