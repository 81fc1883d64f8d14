package chain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"github.com/rentvault/rentvault/internal/amount"
)

const (
	// DefaultBaseFee is the per-operation fee in stroops.
	DefaultBaseFee = int64(txnbuild.MinBaseFee)

	// DefaultTimeout bounds how long a signed envelope stays valid. After it
	// passes, a hash the network never saw can be treated as failed.
	DefaultTimeout = 5 * time.Minute
)

// Builder assembles unsigned transactions. It holds no network state.
type Builder struct {
	passphrase string
	baseFee    int64
	timeout    time.Duration
	now        func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source used for envelope time bounds.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a builder for the network identified by passphrase.
func NewBuilder(passphrase string, baseFee int64, timeout time.Duration, opts ...BuilderOption) *Builder {
	if baseFee <= 0 {
		baseFee = DefaultBaseFee
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &Builder{passphrase: passphrase, baseFee: baseFee, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Timeout returns the envelope validity window.
func (b *Builder) Timeout() time.Duration { return b.timeout }

// Fee returns the fee charged to the source of an envelope with ops
// operations. The network takes it before any operation applies.
func (b *Builder) Fee(ops int) decimal.Decimal {
	return decimal.New(b.baseFee*int64(ops), -amount.Scale)
}

// SettlementFee is the fee SettleAndMerge's envelope will carry for asset.
func (b *Builder) SettlementFee(asset Asset) decimal.Decimal {
	if asset.IsNative() {
		return b.Fee(2)
	}
	return b.Fee(3)
}

// Unsigned is a built transaction awaiting signatures.
type Unsigned struct {
	tx         *txnbuild.Transaction
	Source     string
	ValidUntil time.Time
}

// PaymentParams describes a single value transfer.
type PaymentParams struct {
	Destination string
	Amount      decimal.Decimal
	Asset       Asset
	Memo        string
}

// Payment builds a one-operation payment from src.
func (b *Builder) Payment(src *AccountState, p PaymentParams) (*Unsigned, error) {
	if !ValidPublicKey(p.Destination) {
		return nil, fmt.Errorf("%w: destination %q", ErrInvalidKey, p.Destination)
	}
	op := &txnbuild.Payment{
		Destination: p.Destination,
		Amount:      amount.Format(p.Amount),
		Asset:       toTxnAsset(p.Asset),
	}
	return b.build(src, p.Memo, op)
}

// CreateAndFund opens escrowKey and moves value into it in one envelope.
//
// For the native asset the new account's starting balance is the escrowed
// amount itself. For a credit asset the escrow account is opened with
// reserve, trusts the asset, and then receives the payment; the envelope
// must then be signed by both src and the escrow key.
func (b *Builder) CreateAndFund(src *AccountState, escrowKey string, value decimal.Decimal, asset Asset, reserve decimal.Decimal, memo string) (*Unsigned, error) {
	if !ValidPublicKey(escrowKey) {
		return nil, fmt.Errorf("%w: escrow %q", ErrInvalidKey, escrowKey)
	}
	if asset.IsNative() {
		return b.build(src, memo, &txnbuild.CreateAccount{
			Destination: escrowKey,
			Amount:      amount.Format(value),
		})
	}

	line, err := txnbuild.CreditAsset{Code: asset.Code, Issuer: asset.Issuer}.ToChangeTrustAsset()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}
	return b.build(src, memo,
		&txnbuild.CreateAccount{Destination: escrowKey, Amount: amount.Format(reserve)},
		&txnbuild.ChangeTrust{Line: line, SourceAccount: escrowKey},
		&txnbuild.Payment{Destination: escrowKey, Amount: amount.Format(value), Asset: toTxnAsset(asset)},
	)
}

// SettleAndMerge pays out of an escrow account and closes it: pay the
// spendable amount to dest, drop the trustline for credit assets, then merge
// the account into dest so the reserve is reclaimed. A native pay must leave
// the account holding its minimum balance once SettlementFee is taken.
func (b *Builder) SettleAndMerge(escrow *AccountState, dest string, pay decimal.Decimal, asset Asset, memo string) (*Unsigned, error) {
	if !ValidPublicKey(dest) {
		return nil, fmt.Errorf("%w: destination %q", ErrInvalidKey, dest)
	}
	ops := make([]txnbuild.Operation, 0, 3)
	if pay.Sign() > 0 {
		ops = append(ops, &txnbuild.Payment{
			Destination: dest,
			Amount:      amount.Format(pay),
			Asset:       toTxnAsset(asset),
		})
	}
	if !asset.IsNative() {
		line, err := txnbuild.CreditAsset{Code: asset.Code, Issuer: asset.Issuer}.ToChangeTrustAsset()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
		}
		ops = append(ops, &txnbuild.ChangeTrust{Line: line, Limit: "0"})
	}
	ops = append(ops, &txnbuild.AccountMerge{Destination: dest})
	return b.build(escrow, memo, ops...)
}

// Sign signs u with every keypair and returns the submission envelope.
func (b *Builder) Sign(u *Unsigned, signers ...*keypair.Full) (*Envelope, error) {
	signed, err := u.tx.Sign(b.passphrase, signers...)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	hash, err := signed.HashHex(b.passphrase)
	if err != nil {
		return nil, fmt.Errorf("chain: hash: %w", err)
	}
	raw, err := signed.Base64()
	if err != nil {
		return nil, fmt.Errorf("chain: encode: %w", err)
	}
	return &Envelope{
		Hash:       hash,
		XDR:        raw,
		Source:     u.Source,
		MaxFee:     signed.MaxFee(),
		ValidUntil: u.ValidUntil,
	}, nil
}

func (b *Builder) build(src *AccountState, memo string, ops ...txnbuild.Operation) (*Unsigned, error) {
	if len(memo) > MaxMemoBytes {
		return nil, ErrMemoTooLong
	}
	validUntil := b.now().Add(b.timeout).UTC().Truncate(time.Second)
	params := txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: src.PublicKey, Sequence: src.Sequence},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              b.baseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(0, validUntil.Unix()),
		},
	}
	if memo != "" {
		params.Memo = txnbuild.MemoText(memo)
	}
	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("chain: build: %w", err)
	}
	return &Unsigned{tx: tx, Source: src.PublicKey, ValidUntil: validUntil}, nil
}

func toTxnAsset(a Asset) txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}
