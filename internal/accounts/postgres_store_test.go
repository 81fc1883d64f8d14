//go:build integration

package accounts

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.Teardown()
	os.Exit(code)
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := &Account{
		PublicKey:       keypair.MustRandom().Address(),
		EncryptedSecret: "sealed",
		Type:            TypeUser,
		Balance:         "0",
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.Create(ctx, a))
	assert.NotZero(t, a.ID)

	dup := *a
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrDuplicateKey)

	require.NoError(t, store.UpdateState(ctx, a.PublicKey, "12.5000000", 4294967296, now))
	got, err := store.GetByPublicKey(ctx, a.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "12.5000000", got.Balance)
	assert.Equal(t, int64(4294967296), got.Sequence)
	require.NotNil(t, got.SyncedAt)
	assert.Equal(t, "sealed", got.EncryptedSecret)

	require.NoError(t, store.Deactivate(ctx, a.ID, now))
	require.NoError(t, store.Deactivate(ctx, a.ID, now))
	got, err = store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, store.Deactivate(ctx, 999999, now), ErrAccountNotFound)
	_, err = store.Get(ctx, 999999)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgresStore_ListFilters(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	for _, typ := range []Type{TypeUser, TypeEscrow, TypeEscrow} {
		require.NoError(t, store.Create(ctx, &Account{
			PublicKey: keypair.MustRandom().Address(), EncryptedSecret: "x",
			Type: typ, Balance: "0", Active: true, CreatedAt: now, UpdatedAt: now,
		}))
	}
	escrows, err := store.List(ctx, Filter{Type: TypeEscrow})
	require.NoError(t, err)
	require.Len(t, escrows, 2)

	require.NoError(t, store.Deactivate(ctx, escrows[0].ID, now))
	active, err := store.List(ctx, Filter{Type: TypeEscrow, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, escrows[1].ID, active[0].ID)

	page, err := store.List(ctx, Filter{AfterID: escrows[0].ID, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
