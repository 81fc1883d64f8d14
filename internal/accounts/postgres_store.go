package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, public_key, encrypted_secret, account_type, balance::TEXT,
	sequence, active, synced_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (
			public_key, encrypted_secret, account_type, balance,
			sequence, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(30,7), $5, $6, $7, $8)
		RETURNING id`,
		a.PublicKey, a.EncryptedSecret, string(a.Type), a.Balance,
		a.Sequence, a.Active, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) GetByPublicKey(ctx context.Context, publicKey string) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE public_key = $1`, publicKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Account, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE ($1::TEXT = '' OR account_type = $1::TEXT)
		  AND (NOT $2::BOOLEAN OR active)
		  AND id > $3
		ORDER BY id
		LIMIT $4`, string(f.Type), f.ActiveOnly, f.AfterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Deactivate(ctx context.Context, id int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET active = FALSE, updated_at = $2
		WHERE id = $1 AND active`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) UpdateState(ctx context.Context, publicKey, balance string, sequence int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2::NUMERIC(30,7), sequence = $3, synced_at = $4, updated_at = $4
		WHERE public_key = $1`, publicKey, balance, sequence, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		typ      string
		syncedAt sql.NullTime
	)
	if err := s.Scan(&a.ID, &a.PublicKey, &a.EncryptedSecret, &typ, &a.Balance,
		&a.Sequence, &a.Active, &syncedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	if syncedAt.Valid {
		a.SyncedAt = &syncedAt.Time
	}
	return a, nil
}

var _ Store = (*PostgresStore)(nil)
