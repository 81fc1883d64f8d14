package accounts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/chain/chaintest"
	"github.com/rentvault/rentvault/internal/custody"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/logging"
)

func newTestRegistry(t *testing.T) (*Registry, *chaintest.FakeNetwork) {
	t.Helper()
	c, err := custody.New("registry-test-secret-0123456789abcdef")
	require.NoError(t, err)
	net := chaintest.New()
	b := chain.NewBuilder(chaintest.Passphrase, 0, time.Minute)
	return NewRegistry(NewMemoryStore(), c, net, b, logging.Discard()), net
}

func TestCreate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Create(ctx, TypeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.ID)
	assert.True(t, chain.ValidPublicKey(a.PublicKey))
	assert.True(t, a.Active)
	assert.Equal(t, "0.0000000", a.Balance)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), a.EncryptedSecret)

	b, err := r.Create(ctx, TypeEscrow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.ID)

	_, err = r.Create(ctx, Type("ADMIN"))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestGet_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.GetByPublicKey(context.Background(), "GNOPE")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))
}

func TestFundTestAccount_RefreshesCachedBalance(t *testing.T) {
	r, net := newTestRegistry(t)
	ctx := context.Background()
	a, err := r.Create(ctx, TypeUser)
	require.NoError(t, err)

	funded, err := r.FundTestAccount(ctx, a.PublicKey)
	require.NoError(t, err)
	assert.True(t, net.Exists(a.PublicKey))
	assert.Equal(t, "10000.0000000", funded.Balance)
	assert.NotNil(t, funded.SyncedAt)
	assert.NotZero(t, funded.Sequence)
}

func TestSign_MultipleSignersAcceptedByNetwork(t *testing.T) {
	r, net := newTestRegistry(t)
	ctx := context.Background()

	src, err := r.Create(ctx, TypeUser)
	require.NoError(t, err)
	_, err = r.FundTestAccount(ctx, src.PublicKey)
	require.NoError(t, err)
	esc, err := r.Create(ctx, TypeEscrow)
	require.NoError(t, err)

	issuer, err := r.Create(ctx, TypeUser)
	require.NoError(t, err)
	usd := chain.Asset{Code: "USD", Issuer: issuer.PublicKey}
	net.Trust(src.PublicKey, usd, "100")

	st, err := net.LoadAccount(ctx, src.PublicKey)
	require.NoError(t, err)
	u, err := r.Builder().CreateAndFund(st, esc.PublicKey, decimal.NewFromInt(25), usd, decimal.NewFromInt(2), "")
	require.NoError(t, err)

	env, err := r.Sign(ctx, u, src.PublicKey, esc.PublicKey)
	require.NoError(t, err)
	_, err = net.Submit(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "25", net.Balance(esc.PublicKey, usd).String())
}

func TestSign_RefusesInactiveAndUnknownAccounts(t *testing.T) {
	r, net := newTestRegistry(t)
	ctx := context.Background()
	a, err := r.Create(ctx, TypeEscrow)
	require.NoError(t, err)
	net.Fund(a.PublicKey, "5")
	st, err := net.LoadAccount(ctx, a.PublicKey)
	require.NoError(t, err)
	u, err := r.Builder().Payment(st, chain.PaymentParams{Destination: a.PublicKey, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	require.NoError(t, r.Deactivate(ctx, a.ID))
	require.NoError(t, r.Deactivate(ctx, a.ID), "deactivation is idempotent")

	_, err = r.Sign(ctx, u, a.PublicKey)
	assert.ErrorIs(t, err, ErrAccountInactive)

	_, err = r.Sign(ctx, u, "GUNKNOWN")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = r.Sign(ctx, u)
	assert.Error(t, err)
}

func TestLockAccount(t *testing.T) {
	r, _ := newTestRegistry(t)
	unlock, err := r.LockAccount(context.Background(), "GSOURCE")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.LockAccount(ctx, "GSOURCE")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := r.LockAccount(context.Background(), "GSOURCE")
	require.NoError(t, err)
	again()
}

func TestMemoryStore_ListFilters(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, typ := range []Type{TypeUser, TypeEscrow, TypeEscrow, TypeUser} {
		_, err := r.Create(ctx, typ)
		require.NoError(t, err)
	}
	require.NoError(t, r.Deactivate(ctx, 2))

	escrows, err := r.List(ctx, Filter{Type: TypeEscrow, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	assert.Equal(t, int64(3), escrows[0].ID)

	page, err := r.List(ctx, Filter{AfterID: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].ID)
}
