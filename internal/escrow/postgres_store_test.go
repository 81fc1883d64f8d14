//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/accounts"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.Teardown()
	os.Exit(code)
}

func seedEscrow(t *testing.T, db *sql.DB, id string, now time.Time) (*Escrow, *payments.Transaction) {
	t.Helper()
	ctx := context.Background()
	acct := &accounts.Account{
		PublicKey: keypair.MustRandom().Address(), EncryptedSecret: "sealed", Type: accounts.TypeEscrow,
		Balance: "0", Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, accounts.NewPostgresStore(db).Create(ctx, acct))

	e := &Escrow{
		ID: id, EscrowAccountID: acct.ID, EscrowPublicKey: acct.PublicKey,
		Source: keypair.MustRandom().Address(), Destination: keypair.MustRandom().Address(),
		Amount: "250.0000000", Status: StatusActive, FundTxHash: id + "-fund",
		Quorum: &Quorum{Signers: []string{keypair.MustRandom().Address()}, Threshold: 1},
		Memo:   "deposit", CreatedAt: now, UpdatedAt: now,
	}
	rec := &payments.Transaction{
		ID: "tx_" + id, Kind: payments.KindEscrowFund, Owner: e.Source, Hash: e.FundTxHash,
		Source: e.Source, Destination: e.EscrowPublicKey, Amount: e.Amount,
		Status: payments.StatusPending, EscrowID: id, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, payments.NewPostgresStore(db).Insert(ctx, rec))
	return e, rec
}

func TestPostgresStore_CreateFinalizesFunding(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	records := payments.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e, rec := seedEscrow(t, db, "esc_pg1", now)
	require.NoError(t, store.Create(ctx, e, &Settlement{RecordID: rec.ID, Outcome: payments.Outcome{
		Status: payments.StatusCompleted, Ledger: 9, FeePaid: "0.0000100", At: now,
	}}))

	got, err := store.Get(ctx, "esc_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.Quorum)
	assert.Equal(t, e.Quorum.Signers, got.Quorum.Signers)
	assert.True(t, got.Asset.IsNative())

	fund, err := records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, fund.Status)

	// A second create with an already-final record rolls back entirely.
	e2, _ := seedEscrow(t, db, "esc_pg2", now)
	err = store.Create(ctx, e2, &Settlement{RecordID: rec.ID, Outcome: payments.Outcome{Status: payments.StatusCompleted, At: now}})
	assert.ErrorIs(t, err, payments.ErrAlreadyFinal)
	_, err = store.Get(ctx, "esc_pg2")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_TransitionGuard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e, _ := seedEscrow(t, db, "esc_pg3", now)
	require.NoError(t, store.Create(ctx, e, nil))

	_, err := store.Transition(ctx, e.ID, Transition{From: []Status{StatusDisputed}, To: StatusReleased, At: now})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	out, err := store.Transition(ctx, e.ID, Transition{From: releasableFrom, To: StatusReleased, At: now, TxHash: "rel-hash"})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, out.Status)
	require.NotNil(t, out.ReleasedAt)
	assert.Nil(t, out.RefundedAt)
	assert.Equal(t, "rel-hash", out.ReleaseTxHash)

	_, err = store.Transition(ctx, e.ID, Transition{From: refundableFrom, To: StatusRefunded, At: now})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = store.Transition(ctx, "esc_none", Transition{From: refundableFrom, To: StatusRefunded, At: now})
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_ListAndExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	past := now.Add(-time.Hour)

	e, _ := seedEscrow(t, db, "esc_pg4", now)
	e.ExpiresAt = &past
	require.NoError(t, store.Create(ctx, e, nil))

	expired, err := store.ListExpired(ctx, now, nil, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	beyond, err := store.ListExpired(ctx, now, &ExpiryMark{ExpiresAt: past, ID: e.ID}, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	_, err = store.Transition(ctx, e.ID, Transition{From: refundableFrom, To: StatusRefunded, At: now, RefundReason: "expired"})
	require.NoError(t, err)
	expired, err = store.ListExpired(ctx, now, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	listed, err := store.List(ctx, Filter{PublicKey: e.Destination, Status: StatusRefunded})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "expired", listed[0].RefundReason)
}
