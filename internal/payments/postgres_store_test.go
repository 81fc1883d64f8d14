//go:build integration

package payments

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.Teardown()
	os.Exit(code)
}

func pendingTx(id, owner, key string, at time.Time) *Transaction {
	return &Transaction{
		ID:             id,
		Kind:           KindPayment,
		Owner:          owner,
		Hash:           id + "-hash",
		Source:         owner,
		Destination:    keypair.MustRandom().Address(),
		Amount:         "10.0000000",
		Asset:          chain.Asset{Code: "USDC", Issuer: keypair.MustRandom().Address()},
		Memo:           "rent",
		Status:         StatusPending,
		IdempotencyKey: key,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestPostgresStore_InsertAndFinalize(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	owner := keypair.MustRandom().Address()

	tx := pendingTx("tx_pg1", owner, "k1", now)
	require.NoError(t, store.Insert(ctx, tx))
	assert.ErrorIs(t, store.Insert(ctx, pendingTx("tx_pg2", owner, "k1", now)), ErrDuplicateIdempotencyKey)

	got, err := store.GetByIdempotencyKey(ctx, owner, "k1")
	require.NoError(t, err)
	assert.Equal(t, "tx_pg1", got.ID)
	assert.Equal(t, tx.Asset, got.Asset)
	assert.Empty(t, got.FeePaid)

	done, err := store.Finalize(ctx, "tx_pg1", Outcome{Status: StatusCompleted, Ledger: 42, FeePaid: "0.0000100", At: now})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(42), done.Ledger)
	assert.Equal(t, "tx_pg1-hash", done.Hash)
	assert.Equal(t, "0.0000100", done.FeePaid)

	_, err = store.Finalize(ctx, "tx_pg1", Outcome{Status: StatusFailed, At: now})
	assert.ErrorIs(t, err, ErrAlreadyFinal)
	_, err = store.Finalize(ctx, "tx_none", Outcome{Status: StatusFailed, At: now})
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	byHash, err := store.GetByHash(ctx, "tx_pg1-hash")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, byHash.Status)
}

func TestPostgresStore_ListPendingAndInsertRecordInTx(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	owner := keypair.MustRandom().Address()

	require.NoError(t, store.Insert(ctx, pendingTx("tx_old", owner, "", old)))
	require.NoError(t, store.Insert(ctx, pendingTx("tx_new", owner, "", time.Now())))

	pending, err := store.ListPending(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tx_old", pending[0].ID)

	// A rolled back outer transaction leaves no record behind.
	sqlTx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, InsertRecord(ctx, sqlTx, pendingTx("tx_rolled", owner, "", old)))
	require.NoError(t, sqlTx.Rollback())
	_, err = store.Get(ctx, "tx_rolled")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	all, err := store.List(ctx, owner, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
