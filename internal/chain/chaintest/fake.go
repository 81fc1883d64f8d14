// Package chaintest provides an in-memory ledger network for tests.
//
// FakeNetwork decodes every submitted envelope and applies its operations to
// in-memory balances, so callers exercise the same envelopes they would send
// to Horizon. It checks sequence numbers and time bounds, charges the base
// fee, and rejects with the network's result codes when an operation cannot
// apply.
package chaintest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"

	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/chain"
)

// Passphrase is the network the fake accepts; pass it to chain.NewBuilder.
const Passphrase = network.TestNetworkPassphrase

type account struct {
	native decimal.Decimal
	lines  map[string]decimal.Decimal
	seq    int64
}

func (a *account) clone() *account {
	c := &account{native: a.native, seq: a.seq, lines: make(map[string]decimal.Decimal, len(a.lines))}
	for k, v := range a.lines {
		c.lines[k] = v
	}
	return c
}

type fault struct {
	err   error
	apply bool
}

// FakeNetwork implements chain.Network in memory.
type FakeNetwork struct {
	mu        sync.Mutex
	accounts  map[string]*account
	txs       map[string]*chain.TransactionStatus
	submitted []*chain.Envelope
	faults    []fault
	ledger    uint32

	// Now is the clock used for time-bound checks.
	Now func() time.Time
	// LoadErr, when set, is returned by every LoadAccount call.
	LoadErr error
	// MinBalance is the native balance an account must keep after sending
	// a native payment or opening an account.
	MinBalance decimal.Decimal
}

// DefaultMinBalance matches the network's two base reserves.
const DefaultMinBalance = "1"

var _ chain.Network = (*FakeNetwork)(nil)

// New returns an empty network at ledger 1000.
func New() *FakeNetwork {
	return &FakeNetwork{
		accounts:   make(map[string]*account),
		txs:        make(map[string]*chain.TransactionStatus),
		ledger:     1000,
		Now:        time.Now,
		MinBalance: decimal.RequireFromString(DefaultMinBalance),
	}
}

// Fund creates publicKey holding native units, or tops it up.
func (f *FakeNetwork) Fund(publicKey, native string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := decimal.RequireFromString(native)
	if a, ok := f.accounts[publicKey]; ok {
		a.native = a.native.Add(d)
		return
	}
	f.accounts[publicKey] = &account{native: d, lines: map[string]decimal.Decimal{}, seq: int64(f.ledger) << 32}
}

// Trust gives publicKey a trustline to asset holding balance.
func (f *FakeNetwork) Trust(publicKey string, asset chain.Asset, balance string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[publicKey]
	if !ok {
		panic("chaintest: trust on missing account " + publicKey)
	}
	a.lines[asset.String()] = decimal.RequireFromString(balance)
}

// Exists reports whether publicKey is open.
func (f *FakeNetwork) Exists(publicKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[publicKey]
	return ok
}

// Balance returns publicKey's balance in asset.
func (f *FakeNetwork) Balance(publicKey string, asset chain.Asset) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[publicKey]
	if !ok {
		return decimal.Zero
	}
	if asset.IsNative() {
		return a.native
	}
	return a.lines[asset.String()]
}

// FailNextSubmit makes the next Submit return err without applying anything.
func (f *FakeNetwork) FailNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{err: err})
}

// DropNextResponse applies the next envelope but reports an unknown outcome,
// as when a gateway times out after the ledger accepted the transaction.
func (f *FakeNetwork) DropNextResponse() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{apply: true})
}

// Submitted returns every envelope passed to Submit, in order.
func (f *FakeNetwork) Submitted() []*chain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*chain.Envelope(nil), f.submitted...)
}

// SetStatus overrides what TransactionStatus returns for hash.
func (f *FakeNetwork) SetStatus(s chain.TransactionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[s.Hash] = &s
}

func (f *FakeNetwork) LoadAccount(ctx context.Context, publicKey string) (*chain.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	a, ok := f.accounts[publicKey]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	st := &chain.AccountState{
		PublicKey:     publicKey,
		Sequence:      a.seq,
		NativeBalance: amount.Format(a.native),
		Balances:      make(map[string]string, len(a.lines)),
		SubentryCount: int32(len(a.lines)),
	}
	for k, v := range a.lines {
		st.Balances[k] = amount.Format(v)
	}
	return st, nil
}

func (f *FakeNetwork) Submit(ctx context.Context, env *chain.Envelope) (*chain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.UnknownOutcomeError{Op: "submit", Hash: env.Hash, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, env)

	var flt *fault
	if len(f.faults) > 0 {
		flt = &f.faults[0]
		f.faults = f.faults[1:]
		if !flt.apply {
			return nil, flt.err
		}
	}

	res, err := f.apply(env)
	if err != nil {
		return nil, err
	}
	if flt != nil {
		return nil, &chain.UnknownOutcomeError{Op: "submit", Hash: env.Hash, Err: context.DeadlineExceeded}
	}
	return res, nil
}

func (f *FakeNetwork) TransactionStatus(ctx context.Context, hash string) (*chain.TransactionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.txs[hash]; ok {
		c := *s
		return &c, nil
	}
	return &chain.TransactionStatus{Hash: hash}, nil
}

func (f *FakeNetwork) FundTestAccount(ctx context.Context, publicKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.Exists(publicKey) {
		f.Fund(publicKey, "10000")
	}
	return nil
}

func reject(hash, txCode string, opCodes ...string) error {
	return &chain.RejectedError{Op: "submit", Hash: hash, TransactionCode: txCode, OperationCodes: opCodes}
}

// apply runs env against a scratch copy of the touched accounts and commits
// only if every operation succeeds. Callers hold f.mu.
func (f *FakeNetwork) apply(env *chain.Envelope) (*chain.SubmitResult, error) {
	gtx, err := txnbuild.TransactionFromXDR(env.XDR)
	if err != nil {
		return nil, reject(env.Hash, "tx_malformed")
	}
	tx, ok := gtx.Transaction()
	if !ok {
		return nil, reject(env.Hash, "tx_malformed")
	}
	if len(tx.Signatures()) == 0 {
		return nil, reject(env.Hash, "tx_bad_auth")
	}
	if tb := tx.Timebounds(); tb.MaxTime != 0 && f.Now().Unix() > tb.MaxTime {
		return nil, reject(env.Hash, "tx_too_late")
	}

	srcKey := tx.SourceAccount().AccountID
	src, ok := f.accounts[srcKey]
	if !ok {
		return nil, reject(env.Hash, "tx_no_source_account")
	}
	if tx.SourceAccount().Sequence != src.seq+1 {
		return nil, reject(env.Hash, "tx_bad_seq")
	}

	sc := &scratch{base: f.accounts, work: map[string]*account{}, closed: map[string]bool{}, seq: int64(f.ledger+1) << 32, min: f.MinBalance}

	ops := tx.Operations()
	fee := decimal.New(tx.BaseFee()*int64(len(ops)), -7)
	s := sc.get(srcKey)
	if s.native.LessThan(fee) {
		return nil, reject(env.Hash, "tx_insufficient_balance")
	}
	s.native = s.native.Sub(fee)
	s.seq++

	codes := make([]string, len(ops))
	failed := false
	for i, op := range ops {
		code := sc.applyOp(op, srcKey)
		codes[i] = code
		if code != "op_success" {
			failed = true
			break
		}
	}
	if failed {
		return nil, reject(env.Hash, "tx_failed", codes...)
	}

	for pk, a := range sc.work {
		f.accounts[pk] = a
	}
	for pk := range sc.closed {
		delete(f.accounts, pk)
	}
	f.ledger++
	res := &chain.SubmitResult{Hash: env.Hash, Ledger: f.ledger, FeeCharged: tx.BaseFee() * int64(len(ops))}
	f.txs[env.Hash] = &chain.TransactionStatus{Hash: env.Hash, Found: true, Successful: true, Ledger: res.Ledger, FeeCharged: res.FeeCharged}
	return res, nil
}

// scratch holds copy-on-write account state for one envelope.
type scratch struct {
	base   map[string]*account
	work   map[string]*account
	closed map[string]bool
	seq    int64
	min    decimal.Decimal
}

func (sc *scratch) get(pk string) *account {
	if sc.closed[pk] {
		return nil
	}
	if a, ok := sc.work[pk]; ok {
		return a
	}
	if a, ok := sc.base[pk]; ok {
		sc.work[pk] = a.clone()
		return sc.work[pk]
	}
	return nil
}

// canSend reports whether a can part with v native and stay at or above the
// minimum balance. The envelope fee has already been taken.
func (sc *scratch) canSend(a *account, v decimal.Decimal) bool {
	return !a.native.Sub(v).LessThan(sc.min)
}

func (sc *scratch) applyOp(op txnbuild.Operation, txSource string) string {
	source := txSource
	if s := op.GetSourceAccount(); s != "" {
		source = s
	}
	from := sc.get(source)
	if from == nil {
		return "op_no_source_account"
	}

	switch o := op.(type) {
	case *txnbuild.CreateAccount:
		if sc.get(o.Destination) != nil {
			return "op_already_exists"
		}
		v, err := amount.Parse(o.Amount)
		if err != nil {
			return "op_malformed"
		}
		if !sc.canSend(from, v) {
			return "op_underfunded"
		}
		from.native = from.native.Sub(v)
		delete(sc.closed, o.Destination)
		sc.work[o.Destination] = &account{native: v, lines: map[string]decimal.Decimal{}, seq: sc.seq}
	case *txnbuild.Payment:
		to := sc.get(o.Destination)
		if to == nil {
			return "op_no_destination"
		}
		v, err := amount.Parse(o.Amount)
		if err != nil {
			return "op_malformed"
		}
		if o.Asset.IsNative() {
			if !sc.canSend(from, v) {
				return "op_underfunded"
			}
			from.native = from.native.Sub(v)
			to.native = to.native.Add(v)
			return "op_success"
		}
		key := chain.Asset{Code: o.Asset.GetCode(), Issuer: o.Asset.GetIssuer()}.String()
		bal, ok := from.lines[key]
		if !ok {
			return "op_src_no_trust"
		}
		if bal.LessThan(v) {
			return "op_underfunded"
		}
		if _, ok := to.lines[key]; !ok {
			return "op_no_trust"
		}
		from.lines[key] = bal.Sub(v)
		to.lines[key] = to.lines[key].Add(v)
	case *txnbuild.ChangeTrust:
		key := chain.Asset{Code: o.Line.GetCode(), Issuer: o.Line.GetIssuer()}.String()
		if o.Limit == "0" {
			if from.lines[key].Sign() != 0 {
				return "op_invalid_limit"
			}
			delete(from.lines, key)
			return "op_success"
		}
		if _, ok := from.lines[key]; !ok {
			from.lines[key] = decimal.Zero
		}
	case *txnbuild.AccountMerge:
		if len(from.lines) > 0 {
			return "op_has_sub_entries"
		}
		if source == o.Destination {
			return "op_malformed"
		}
		to := sc.get(o.Destination)
		if to == nil {
			return "op_no_account"
		}
		to.native = to.native.Add(from.native)
		from.native = decimal.Zero
		delete(sc.work, source)
		sc.closed[source] = true
	default:
		return fmt.Sprintf("op_not_supported_%T", op)
	}
	return "op_success"
}
