package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"

	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/custody"
	"github.com/rentvault/rentvault/internal/syncutil"
)

// Registry mints, looks up and signs for managed accounts.
type Registry struct {
	store     Store
	custodian *custody.Custodian
	network   chain.Network
	builder   *chain.Builder
	locks     *syncutil.KeyLock
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry wires a registry.
func NewRegistry(store Store, custodian *custody.Custodian, network chain.Network, builder *chain.Builder, logger *slog.Logger) *Registry {
	return &Registry{
		store:     store,
		custodian: custodian,
		network:   network,
		builder:   builder,
		locks:     syncutil.NewKeyLock(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the registry's time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Builder exposes the envelope builder bound to this registry's network.
func (r *Registry) Builder() *chain.Builder { return r.builder }

// Network exposes the ledger network the registry signs for.
func (r *Registry) Network() chain.Network { return r.network }

// Create mints a keypair, seals its secret and records the account. The
// account does not exist on the ledger until something funds it.
func (r *Registry) Create(ctx context.Context, typ Type) (*Account, error) {
	if !typ.Valid() {
		return nil, ErrInvalidType
	}
	publicKey, sealed, err := r.custodian.Generate()
	if err != nil {
		return nil, err
	}
	now := r.now()
	a := &Account{
		PublicKey:       publicKey,
		EncryptedSecret: sealed,
		Type:            typ,
		Balance:         amount.Format(decimal.Zero),
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("accounts: create: %w", err)
	}
	r.logger.Info("account created", "accountId", a.ID, "publicKey", a.PublicKey, "type", a.Type)
	return a, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (*Account, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) GetByPublicKey(ctx context.Context, publicKey string) (*Account, error) {
	return r.store.GetByPublicKey(ctx, publicKey)
}

func (r *Registry) List(ctx context.Context, f Filter) ([]*Account, error) {
	return r.store.List(ctx, f)
}

// Deactivate soft-deletes an account so it can no longer sign. It is
// idempotent.
func (r *Registry) Deactivate(ctx context.Context, id int64) error {
	if err := r.store.Deactivate(ctx, id, r.now()); err != nil {
		return err
	}
	r.logger.Info("account deactivated", "accountId", id)
	return nil
}

// UpdateState overwrites the cached balance and sequence.
func (r *Registry) UpdateState(ctx context.Context, publicKey, balance string, sequence int64) error {
	return r.store.UpdateState(ctx, publicKey, balance, sequence, r.now())
}

// FundTestAccount asks the test network faucet to fund a managed account,
// then refreshes the cached balance. The refresh is best-effort.
func (r *Registry) FundTestAccount(ctx context.Context, publicKey string) (*Account, error) {
	a, err := r.activeAccount(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if err := r.network.FundTestAccount(ctx, publicKey); err != nil {
		return nil, err
	}
	if st, err := r.network.LoadAccount(ctx, publicKey); err == nil {
		if err := r.UpdateState(ctx, publicKey, amount.Format(nativeBalance(st)), st.Sequence); err != nil {
			r.logger.Warn("refresh after funding failed", "publicKey", publicKey, "error", err)
		}
	} else {
		r.logger.Warn("load after funding failed", "publicKey", publicKey, "error", err)
	}
	return r.store.Get(ctx, a.ID)
}

// LockAccount serializes use of publicKey's sequence number. Hold it from
// LoadAccount through Submit.
func (r *Registry) LockAccount(ctx context.Context, publicKey string) (func(), error) {
	return r.locks.Lock(ctx, "account:"+publicKey)
}

// Sign reveals each signer's key, signs u and drops the keys. Every signer
// must be an active managed account.
func (r *Registry) Sign(ctx context.Context, u *chain.Unsigned, publicKeys ...string) (*chain.Envelope, error) {
	if len(publicKeys) == 0 {
		return nil, errors.New("accounts: sign requires at least one signer")
	}
	sealed := make([]*Account, 0, len(publicKeys))
	for _, pk := range publicKeys {
		a, err := r.activeAccount(ctx, pk)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, a)
	}

	var env *chain.Envelope
	err := r.withKeypairs(sealed, nil, func(kps []*keypair.Full) error {
		var err error
		env, err = r.builder.Sign(u, kps...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// withKeypairs opens each account's key in turn so that every plaintext
// key lives only for the duration of fn.
func (r *Registry) withKeypairs(rest []*Account, opened []*keypair.Full, fn func([]*keypair.Full) error) error {
	if len(rest) == 0 {
		return fn(opened)
	}
	a := rest[0]
	return r.custodian.WithKeypair(a.PublicKey, a.EncryptedSecret, func(kp *keypair.Full) error {
		return r.withKeypairs(rest[1:], append(opened, kp), fn)
	})
}

func (r *Registry) activeAccount(ctx context.Context, publicKey string) (*Account, error) {
	a, err := r.store.GetByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrAccountInactive
	}
	return a, nil
}

func nativeBalance(st *chain.AccountState) decimal.Decimal {
	b, _ := st.BalanceOf(chain.Native)
	return b
}
