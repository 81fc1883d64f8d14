package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentvault/rentvault/internal/accounts"
	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/idgen"
	"github.com/rentvault/rentvault/internal/metrics"
	"github.com/rentvault/rentvault/internal/pagination"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/retry"
	"github.com/rentvault/rentvault/internal/traces"
	"github.com/rentvault/rentvault/internal/validation"
)

const refreshTimeout = 30 * time.Second

// Submitter builds, signs and submits payments.
type Submitter struct {
	store     Store
	registry  *accounts.Registry
	refresher AccountRefresher
	events    realtime.Publisher
	logger    *slog.Logger
	now       func() time.Time
	async     func(func())
}

// NewSubmitter wires a payment submitter. refresher may be nil.
func NewSubmitter(store Store, registry *accounts.Registry, refresher AccountRefresher, logger *slog.Logger) *Submitter {
	return &Submitter{
		store:     store,
		registry:  registry,
		refresher: refresher,
		events:    realtime.Discard,
		logger:    logger,
		now:       time.Now,
		async:     func(f func()) { go f() },
	}
}

// SetRefresher installs the balance refresher after construction.
func (s *Submitter) SetRefresher(r AccountRefresher) { s.refresher = r }

// WithEvents publishes final payment outcomes to p.
func (s *Submitter) WithEvents(p realtime.Publisher) *Submitter {
	s.events = p
	return s
}

// Submit sends a payment at most once per (source, idempotency key).
//
// A request whose key was already used returns the existing record as is,
// whatever its status. When the ledger refuses the envelope the FAILED
// record is returned together with the rejection; when the outcome is
// unknown the PENDING record is returned with an UnknownOutcomeError.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Transaction, error) {
	if req.IdempotencyKey != "" {
		if t, err := s.replay(ctx, req); t != nil || err != nil {
			return t, err
		}
	}

	value, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock, err := s.registry.LockAccount(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A concurrent caller with the same key may have finished while we waited.
	if req.IdempotencyKey != "" {
		if t, err := s.replay(ctx, req); t != nil || err != nil {
			return t, err
		}
	}

	ctx, span := traces.StartSpan(ctx, "payments.Submit", traces.PublicKey(req.Source), traces.Amount(req.Amount))
	defer span.End()

	network := s.registry.Network()
	src, err := network.LoadAccount(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("payments: load source: %w", err)
	}
	unsigned, err := s.registry.Builder().Payment(src, chain.PaymentParams{
		Destination: req.Destination,
		Amount:      value,
		Asset:       req.Asset,
		Memo:        req.Memo,
	})
	if err != nil {
		return nil, err
	}
	env, err := s.registry.Sign(ctx, unsigned, req.Source)
	if err != nil {
		return nil, err
	}

	now := s.now()
	validUntil := env.ValidUntil
	rec := &Transaction{
		ID:             idgen.WithPrefix(idgen.TransactionPrefix),
		Kind:           KindPayment,
		Owner:          req.Source,
		Hash:           env.Hash,
		Source:         req.Source,
		Destination:    req.Destination,
		Amount:         amount.Format(value),
		Asset:          req.Asset,
		Memo:           req.Memo,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		ValidUntil:     &validUntil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			metrics.IdempotentReplaysTotal.Inc()
			return s.store.GetByIdempotencyKey(ctx, req.Source, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("payments: record pending: %w", err)
	}

	started := time.Now()
	res, subErr := network.Submit(ctx, env)
	traces.Outcome(span, subErr)
	defer s.refreshAsync(req.Source)

	switch {
	case subErr == nil:
		metrics.ObserveSubmission("payment", "completed", started)
		return s.finalize(ctx, rec, Outcome{
			Status:  StatusCompleted,
			Hash:    res.Hash,
			Ledger:  int64(res.Ledger),
			FeePaid: res.FeePaid(),
		}), nil

	case failure.Is(subErr, failure.KindRemoteRejected):
		metrics.ObserveSubmission("payment", "rejected", started)
		s.logger.Warn("payment rejected", "txId", rec.ID, "hash", rec.Hash, "error", subErr)
		return s.finalize(ctx, rec, Outcome{
			Status:       StatusFailed,
			ErrorMessage: chain.ErrorMessage(subErr),
		}), subErr

	default:
		metrics.ObserveSubmission("payment", "unknown", started)
		s.logger.Error("payment outcome unknown; left PENDING for reconciliation",
			"txId", rec.ID, "hash", rec.Hash, "error", subErr)
		var unknown *chain.UnknownOutcomeError
		if !errors.As(subErr, &unknown) {
			subErr = &chain.UnknownOutcomeError{Op: "submit", Hash: rec.Hash, Err: subErr}
		}
		return rec, subErr
	}
}

func (s *Submitter) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// List returns one newest-first page of history for publicKey and the cursor
// of the next page, "" on the last one.
func (s *Submitter) List(ctx context.Context, publicKey, cursor string, limit int) ([]*Transaction, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	txs, err := s.store.List(ctx, publicKey, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	txs, next := pagination.Page(txs, limit, func(t *Transaction) (time.Time, string) { return t.CreatedAt, t.ID })
	return txs, next, nil
}

// replay returns the record for req's idempotency key, or nil if none exists.
// Escrow funding shares the key space; a key spent on it is a conflict here.
func (s *Submitter) replay(ctx context.Context, req Request) (*Transaction, error) {
	t, err := s.store.GetByIdempotencyKey(ctx, req.Source, req.IdempotencyKey)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Kind != KindPayment {
		return nil, ErrKeyReused
	}
	metrics.IdempotentReplaysTotal.Inc()
	return t, nil
}

func (s *Submitter) validate(ctx context.Context, req Request) (decimal.Decimal, error) {
	if errs := validation.Check(
		validation.Required("source", req.Source),
		validation.Required("destination", req.Destination),
		validation.Required("amount", req.Amount),
		validation.PublicKey("source", req.Source),
		validation.PublicKey("destination", req.Destination),
		validation.Amount("amount", req.Amount),
		validation.MaxLength("memo", req.Memo, chain.MaxMemoBytes),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, validation.MaxIdempotencyKeyLength),
	); len(errs) > 0 {
		return decimal.Zero, failure.Wrap(failure.KindValidation, "payments: invalid request", errs)
	}
	if req.Source == req.Destination {
		return decimal.Zero, ErrSameAccount
	}
	if err := req.Asset.Validate(); err != nil {
		return decimal.Zero, err
	}
	acct, err := s.registry.GetByPublicKey(ctx, req.Source)
	if err != nil {
		return decimal.Zero, err
	}
	if !acct.Active || acct.Type != accounts.TypeUser {
		return decimal.Zero, ErrSourceNotUser
	}
	return amount.ParsePositive(req.Amount)
}

// finalize records the outcome of a submission that already happened. The
// ledger is authoritative by now, so the local write is retried; if it still
// fails the record stays PENDING and reconciliation settles it by hash.
func (s *Submitter) finalize(ctx context.Context, rec *Transaction, o Outcome) *Transaction {
	o.At = s.now()
	var out *Transaction
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		out, err = s.store.Finalize(ctx, rec.ID, o)
		return err
	})
	if err != nil {
		s.logger.Error("record submission outcome failed",
			"txId", rec.ID, "hash", rec.Hash, "status", o.Status, "error", err)
		cp := *rec
		applyOutcome(&cp, o)
		return &cp
	}
	PublishOutcome(s.events, out)
	return out
}

func (s *Submitter) refreshAsync(publicKey string) {
	if s.refresher == nil {
		return
	}
	s.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			return s.refresher.SyncAccount(ctx, publicKey)
		})
		if err != nil {
			s.logger.Warn("balance refresh failed", "publicKey", publicKey, "error", err)
		}
	})
}
