package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists anchor transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed anchor store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const anchorColumns = `id, external_id, kind, account_public_key, amount::TEXT, currency_code, method,
	status, external_status, external_ledger_tx_id, interactive_url, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO anchor_transactions (
			id, external_id, kind, account_public_key, amount, currency_code, method,
			status, external_status, external_ledger_tx_id, interactive_url, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(30,7), $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.ExternalID, string(t.Kind), t.AccountPublicKey, t.Amount, t.CurrencyCode, nullString(t.Method),
		string(t.Status), nullString(t.ExternalStatus), nullString(t.ExternalLedgerTxID), nullString(t.InteractiveURL),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateExternalID
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+anchorColumns+` FROM anchor_transactions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+anchorColumns+` FROM anchor_transactions WHERE external_id = $1`, externalID)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) List(ctx context.Context, publicKey string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anchorColumns+`
		FROM anchor_transactions
		WHERE ($1::TEXT = '' OR account_public_key = $1::TEXT)
		ORDER BY created_at DESC
		LIMIT $2`, publicKey, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anchorColumns+`
		FROM anchor_transactions
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

// ApplyStatus locks the row so concurrent callbacks for one transfer apply
// in order.
func (p *PostgresStore) ApplyStatus(ctx context.Context, externalID string, c Change) (*Transaction, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("anchor: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM anchor_transactions WHERE external_id = $1 FOR UPDATE`, externalID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrTransactionNotFound
	}
	if err != nil {
		return nil, false, err
	}

	next := Status(current)
	applied := canMove(next, c.Status)
	if applied {
		next = c.Status
	}
	t, err := scanTransaction(tx.QueryRowContext(ctx, `
		UPDATE anchor_transactions SET
			status = $2,
			external_status = COALESCE($3, external_status),
			external_ledger_tx_id = COALESCE($4, external_ledger_tx_id),
			updated_at = $5
		WHERE external_id = $1
		RETURNING `+anchorColumns,
		externalID, string(next), nullString(c.ExternalStatus), nullString(c.ExternalLedgerTxID), c.At))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return t, applied, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		kind, status                                string
		method, extStatus, extLedgerTx, interactive sql.NullString
	)
	err := s.Scan(
		&t.ID, &t.ExternalID, &kind, &t.AccountPublicKey, &t.Amount, &t.CurrencyCode, &method,
		&status, &extStatus, &extLedgerTx, &interactive, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.Method = method.String
	t.ExternalStatus = extStatus.String
	t.ExternalLedgerTxID = extLedgerTx.String
	t.InteractiveURL = interactive.String
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
