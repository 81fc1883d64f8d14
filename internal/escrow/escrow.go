// Package escrow holds rent deposits in dedicated ledger accounts.
//
// Flow:
//  1. Create mints an ESCROW account and moves the deposit into it from the
//     tenant's account in one envelope.
//  2. The escrow stays ACTIVE until a release condition is met (timelock,
//     quorum of co-signers) or a dispute or expiry intervenes.
//  3. Release pays the landlord and merges the escrow account into them;
//     Refund does the same towards the tenant.
//  4. Expired escrows are refunded by the Timer.
//
// Local state is written only after the ledger confirms. An envelope whose
// outcome is unknown leaves its settlement record PENDING and the escrow
// where it was; reconciliation applies the outcome later through
// ResolveSettlement.
package escrow

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"

	"github.com/rentvault/rentvault/internal/accounts"
	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/idgen"
	"github.com/rentvault/rentvault/internal/metrics"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/retry"
	"github.com/rentvault/rentvault/internal/syncutil"
	"github.com/rentvault/rentvault/internal/traces"
	"github.com/rentvault/rentvault/internal/validation"
)

var (
	ErrEscrowNotFound     = failure.New(failure.KindNotFound, "escrow: not found")
	ErrInvalidStatus      = failure.New(failure.KindConflict, "escrow: invalid status for this operation")
	ErrAlreadyResolved    = failure.New(failure.KindConflict, "escrow: already released or refunded")
	ErrTimelocked         = failure.New(failure.KindConflict, "escrow: release timelock has not passed")
	ErrQuorumNotMet       = failure.New(failure.KindValidation, "escrow: release quorum not met")
	ErrSettlementInFlight = failure.New(failure.KindConflict, "escrow: a settlement outcome is still pending")
	ErrSameAccount        = failure.New(failure.KindValidation, "escrow: source and destination must differ")
	ErrSourceNotUser      = failure.New(failure.KindValidation, "escrow: source must be an active USER account")
	ErrInvalidConditions  = failure.New(failure.KindValidation, "escrow: invalid release conditions")
	ErrBelowReserve       = failure.New(failure.KindValidation, "escrow: native amount must exceed the minimum reserve")
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusPending   Status = "PENDING"   // funding submitted, outcome not yet known
	StatusFunded    Status = "FUNDED"    // funds on the ledger, not yet active
	StatusActive    Status = "ACTIVE"    // holding funds
	StatusReleased  Status = "RELEASED"  // paid to destination, account merged
	StatusRefunded  Status = "REFUNDED"  // paid back to source, account merged
	StatusDisputed  Status = "DISPUTED"  // frozen until the dispute resolves
	StatusExpired   Status = "EXPIRED"   // past expiry, awaiting refund
	StatusCancelled Status = "CANCELLED" // funding never took effect
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusActive, StatusReleased, StatusRefunded,
		StatusDisputed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

var (
	releasableFrom = []Status{StatusActive}
	refundableFrom = []Status{StatusActive, StatusDisputed, StatusExpired}
	cancellable    = []Status{StatusPending, StatusFunded}
)

// Quorum requires Threshold distinct Signers to sign "release:<escrow id>".
type Quorum struct {
	Signers   []string `json:"signers"`
	Threshold int      `json:"threshold"`
}

// Escrow is a deposit held in its own ledger account.
type Escrow struct {
	ID              string      `json:"id"`
	EscrowAccountID int64       `json:"escrowAccountId"`
	EscrowPublicKey string      `json:"escrowPublicKey"`
	Source          string      `json:"source"`
	Destination     string      `json:"destination"`
	Amount          string      `json:"amount"`
	Asset           chain.Asset `json:"asset"`
	Status          Status      `json:"status"`
	ReleaseAfter    *time.Time  `json:"releaseAfter,omitempty"`
	Quorum          *Quorum     `json:"quorum,omitempty"`
	ExpiresAt       *time.Time  `json:"expiresAt,omitempty"`
	ReleasedAt      *time.Time  `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time  `json:"refundedAt,omitempty"`
	FundTxHash      string      `json:"fundTxHash,omitempty"`
	ReleaseTxHash   string      `json:"releaseTxHash,omitempty"`
	RefundTxHash    string      `json:"refundTxHash,omitempty"`
	RefundReason    string      `json:"refundReason,omitempty"`
	DisputeID       string      `json:"disputeId,omitempty"`
	Memo            string      `json:"memo,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Filter narrows List.
type Filter struct {
	PublicKey string // source or destination
	Status    Status
	Limit     int
}

// Settlement links a transition to the Transaction Record that caused it.
// The store finalizes the record in the same local transaction.
type Settlement struct {
	RecordID string
	Outcome  payments.Outcome
}

// Transition is a guarded status change: it applies only while the escrow
// is in one of From.
type Transition struct {
	From         []Status
	To           Status
	At           time.Time
	TxHash       string
	RefundReason string
	DisputeID    string
	Settlement   *Settlement
}

// Store persists escrows.
type Store interface {
	// Create inserts e and, when fund is set, finalizes its funding record
	// atomically with the insert.
	Create(ctx context.Context, e *Escrow, fund *Settlement) error
	Get(ctx context.Context, id string) (*Escrow, error)
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	// ListExpired returns ACTIVE or EXPIRED escrows whose expiry is before
	// the given time, ordered by (expires_at, id) and starting after mark
	// when it is set.
	ListExpired(ctx context.Context, before time.Time, after *ExpiryMark, limit int) ([]*Escrow, error)
	// Transition re-checks the status inside the update that flips it. An
	// escrow outside t.From returns ErrAlreadyResolved if terminal and
	// ErrInvalidStatus otherwise.
	Transition(ctx context.Context, id string, t Transition) (*Escrow, error)
}

// ExpiryMark is the position of the last escrow a sweep page returned.
type ExpiryMark struct {
	ExpiresAt time.Time
	ID        string
}

func (m *ExpiryMark) passed(e *Escrow) bool {
	if m == nil {
		return true
	}
	if !e.ExpiresAt.Equal(m.ExpiresAt) {
		return e.ExpiresAt.After(m.ExpiresAt)
	}
	return e.ID > m.ID
}

// CreateRequest opens an escrow.
type CreateRequest struct {
	Source         string      `json:"source"`
	Destination    string      `json:"destination"`
	Amount         string      `json:"amount"`
	Asset          chain.Asset `json:"asset"`
	ReleaseAfter   *time.Time  `json:"releaseAfter,omitempty"`
	Quorum         *Quorum     `json:"quorum,omitempty"`
	ExpiresAt      *time.Time  `json:"expiresAt,omitempty"`
	Memo           string      `json:"memo,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// QuorumSignature is one co-signer's approval of a release.
type QuorumSignature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"` // base64 ed25519 over ReleaseMessage(id)
}

// ReleaseRequest carries the optional memo and quorum signatures.
type ReleaseRequest struct {
	Memo       string            `json:"memo,omitempty"`
	Signatures []QuorumSignature `json:"signatures,omitempty"`
}

// ReleaseMessage is what quorum signers sign.
func ReleaseMessage(escrowID string) []byte {
	return []byte("release:" + escrowID)
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	records  payments.Store
	registry *accounts.Registry
	reserve  decimal.Decimal
	locks    *syncutil.KeyLock
	events   realtime.Publisher
	logger   *slog.Logger
	now      func() time.Time

	sweepPage     int
	sweepAttempts int
	parkMu        sync.Mutex
	parked        map[string]parking
}

// NewService wires the escrow engine. reserve is the balance an escrow
// account must keep to stay open; it is held back from native payouts and
// returned by the merge.
func NewService(store Store, records payments.Store, registry *accounts.Registry, reserve decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		records:  records,
		registry: registry,
		reserve:  reserve,
		locks:    syncutil.NewKeyLock(),
		events:   realtime.Discard,
		logger:   logger,
		now:      time.Now,
		parked:   make(map[string]parking),

		sweepPage:     defaultSweepPage,
		sweepAttempts: defaultSweepAttempts,
	}
}

// WithEvents publishes every status change to p.
func (s *Service) WithEvents(p realtime.Publisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create funds a new escrow account from req.Source. The escrow record is
// written only once the ledger has confirmed the funding; if the ledger
// refuses it, no escrow exists afterwards and the escrow account is
// deactivated. If the outcome is unknown, a PENDING escrow is recorded for
// reconciliation to confirm or cancel.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.IdempotencyKey != "" {
		if e, err := s.replay(ctx, req); e != nil || err != nil {
			return e, err
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

	if req.IdempotencyKey != "" {
		if e, err := s.replay(ctx, req); e != nil || err != nil {
			return e, err
		}
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.PublicKey(req.Source), traces.Amount(req.Amount))
	defer span.End()

	network := s.registry.Network()
	src, err := network.LoadAccount(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("escrow: load source: %w", err)
	}
	acct, err := s.registry.Create(ctx, accounts.TypeEscrow)
	if err != nil {
		return nil, err
	}

	unsigned, err := s.registry.Builder().CreateAndFund(src, acct.PublicKey, value, req.Asset, s.openingBalance(req.Asset), req.Memo)
	if err != nil {
		s.abandonAccount(ctx, acct)
		return nil, err
	}
	signers := []string{req.Source}
	if !req.Asset.IsNative() {
		signers = append(signers, acct.PublicKey)
	}
	env, err := s.registry.Sign(ctx, unsigned, signers...)
	if err != nil {
		s.abandonAccount(ctx, acct)
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:              idgen.WithPrefix(idgen.EscrowPrefix),
		EscrowAccountID: acct.ID,
		EscrowPublicKey: acct.PublicKey,
		Source:          req.Source,
		Destination:     req.Destination,
		Amount:          amount.Format(value),
		Asset:           req.Asset,
		ReleaseAfter:    req.ReleaseAfter,
		Quorum:          req.Quorum,
		ExpiresAt:       req.ExpiresAt,
		FundTxHash:      env.Hash,
		Memo:            req.Memo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	rec := s.settlementRecord(e, payments.KindEscrowFund, req.Source, acct.PublicKey, value, req.Memo, env)
	rec.IdempotencyKey = req.IdempotencyKey
	if err := s.records.Insert(ctx, rec); err != nil {
		s.abandonAccount(ctx, acct)
		if errors.Is(err, payments.ErrDuplicateIdempotencyKey) {
			return s.replay(ctx, req)
		}
		return nil, fmt.Errorf("escrow: record funding: %w", err)
	}

	started := time.Now()
	res, subErr := network.Submit(ctx, env)
	traces.Outcome(span, subErr)
	switch {
	case subErr == nil:
		metrics.ObserveSubmission("escrow_fund", "completed", started)
		e.Status = StatusActive
		fund := &Settlement{RecordID: rec.ID, Outcome: payments.Outcome{
			Status: payments.StatusCompleted, Hash: res.Hash, Ledger: int64(res.Ledger),
			FeePaid: res.FeePaid(), At: s.now(),
		}}
		if err := s.persistCreate(ctx, e, fund); err != nil {
			// Funds are on the ledger in an active escrow account; the
			// funding record stays PENDING so reconciliation can find it.
			s.logger.Error("escrow funded on ledger but not recorded",
				"escrowId", e.ID, "escrowPublicKey", e.EscrowPublicKey, "hash", env.Hash, "error", err)
			return nil, fmt.Errorf("escrow: record funded escrow: %w", err)
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
		s.publish(e)
		s.logger.Info("escrow created", "escrowId", e.ID, "source", e.Source,
			"destination", e.Destination, "amount", e.Amount, "hash", res.Hash)
		return e, nil

	case failure.Is(subErr, failure.KindRemoteRejected):
		metrics.ObserveSubmission("escrow_fund", "rejected", started)
		s.finalizeRecord(ctx, rec.ID, payments.Outcome{
			Status: payments.StatusFailed, ErrorMessage: chain.ErrorMessage(subErr), At: s.now(),
		})
		s.abandonAccount(ctx, acct)
		return nil, subErr

	default:
		metrics.ObserveSubmission("escrow_fund", "unknown", started)
		s.logger.Error("escrow funding outcome unknown; left PENDING for reconciliation",
			"escrowId", e.ID, "hash", env.Hash, "error", subErr)
		e.Status = StatusPending
		if err := s.persistCreate(ctx, e, nil); err != nil {
			s.logger.Error("record pending escrow failed", "escrowId", e.ID, "hash", env.Hash, "error", err)
		} else {
			s.publish(e)
		}
		var unknown *chain.UnknownOutcomeError
		if !errors.As(subErr, &unknown) {
			subErr = &chain.UnknownOutcomeError{Op: "escrow fund", Hash: env.Hash, Err: subErr}
		}
		return e, subErr
	}
}

// Release pays the destination and closes the escrow account. The escrow
// must be ACTIVE, past its timelock, and carry enough quorum signatures.
func (s *Service) Release(ctx context.Context, id string, req ReleaseRequest) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status != StatusActive {
		return nil, ErrInvalidStatus
	}
	if e.ReleaseAfter != nil && s.now().Before(*e.ReleaseAfter) {
		return nil, fmt.Errorf("%w: releasable after %s", ErrTimelocked, e.ReleaseAfter.UTC().Format(time.RFC3339))
	}
	if err := verifyQuorum(e, req.Signatures); err != nil {
		return nil, err
	}
	return s.settle(ctx, e, payments.KindEscrowRelease, releasableFrom, req.Memo, "")
}

// ReleaseDisputed releases a DISPUTED escrow to the destination after the
// arbiters decided for it. Timelock and quorum do not apply.
func (s *Service) ReleaseDisputed(ctx context.Context, id, memo string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if e.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	return s.settle(ctx, e, payments.KindEscrowRelease, []Status{StatusDisputed}, memo, "")
}

// Refund pays the source back and closes the escrow account. Allowed from
// ACTIVE, DISPUTED and EXPIRED.
func (s *Service) Refund(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.refundLocked(ctx, id, reason)
}

func (s *Service) refundLocked(ctx context.Context, id, reason string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !slices.Contains(refundableFrom, e.Status) {
		return nil, ErrInvalidStatus
	}
	return s.settle(ctx, e, payments.KindEscrowRefund, refundableFrom, "", reason)
}

// MarkDisputed freezes an ACTIVE escrow under disputeID.
func (s *Service) MarkDisputed(ctx context.Context, id, disputeID string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.transition(ctx, id, Transition{
		From: []Status{StatusActive}, To: StatusDisputed, At: s.now(), DisputeID: disputeID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow disputed", "escrowId", id, "disputeId", disputeID)
	return e, nil
}

// Cancel closes an escrow whose funding never took effect. A PENDING escrow
// whose funding outcome is still unknown cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(cancellable, e.Status) {
		if e.Status.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrInvalidStatus
	}
	fund, err := s.fundingRecord(ctx, e)
	if err != nil {
		return nil, err
	}
	if fund != nil && fund.Status != payments.StatusFailed {
		return nil, ErrSettlementInFlight
	}
	return s.cancelLocked(ctx, e, nil)
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// List returns escrows matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, failure.Validationf("escrow: unknown status %q", f.Status)
	}
	return s.store.List(ctx, f)
}

// SweepResult summarizes one ProcessExpired run.
type SweepResult struct {
	Refunded int `json:"refunded"`
	Failed   int `json:"failed"`
	Parked   int `json:"parked"`
}

const (
	defaultSweepPage     = 100
	defaultSweepAttempts = 100

	parkBase = time.Minute
	parkMax  = 6 * time.Hour
)

// parking holds back an escrow whose refund keeps failing so the rest of the
// expired set still gets its turn.
type parking struct {
	failures int
	until    time.Time
}

// ProcessExpired refunds every ACTIVE escrow past its expiry. Each escrow is
// handled on its own: one failure is logged and the sweep moves on. Escrows
// that expired on a previous run but failed to refund are retried, backing
// off after each failure, and the sweep pages past them.
func (s *Service) ProcessExpired(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()
	seen := make(map[string]bool)
	var after *ExpiryMark
	attempts := 0

pages:
	for ctx.Err() == nil {
		page, err := s.store.ListExpired(ctx, now, after, s.sweepPage)
		if err != nil {
			s.logger.Warn("list expired escrows failed", "error", err)
			return res
		}
		for _, e := range page {
			seen[e.ID] = true
			if s.isParked(e.ID, now) {
				res.Parked++
				continue
			}
			if attempts == s.sweepAttempts {
				break pages
			}
			attempts++
			if err := s.expire(ctx, e.ID); err != nil {
				res.Failed++
				metrics.EscrowSweepResultsTotal.WithLabelValues("failed").Inc()
				until := s.park(e.ID, now)
				s.logger.Warn("refund expired escrow failed", "escrowId", e.ID, "retryAfter", until, "error", err)
				continue
			}
			s.unpark(e.ID)
			res.Refunded++
			metrics.EscrowSweepResultsTotal.WithLabelValues("refunded").Inc()
			s.logger.Info("expired escrow refunded", "escrowId", e.ID, "source", e.Source, "amount", e.Amount)
		}
		if len(page) < s.sweepPage {
			s.forgetParkedExcept(seen)
			break
		}
		last := page[len(page)-1]
		after = &ExpiryMark{ExpiresAt: *last.ExpiresAt, ID: last.ID}
	}
	if res.Parked > 0 {
		metrics.EscrowSweepResultsTotal.WithLabelValues("parked").Add(float64(res.Parked))
	}
	return res
}

func (s *Service) isParked(id string, now time.Time) bool {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	p, ok := s.parked[id]
	return ok && now.Before(p.until)
}

func (s *Service) park(id string, now time.Time) time.Time {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	p := s.parked[id]
	wait := parkMax
	if p.failures < 16 {
		wait = min(parkBase<<p.failures, parkMax)
	}
	p.failures++
	p.until = now.Add(wait)
	s.parked[id] = p
	return p.until
}

func (s *Service) unpark(id string) {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	delete(s.parked, id)
}

// forgetParkedExcept drops parked escrows that are no longer expired, which
// happens once something other than the sweep settles them.
func (s *Service) forgetParkedExcept(seen map[string]bool) {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	for id := range s.parked {
		if !seen[id] {
			delete(s.parked, id)
		}
	}
}

func (s *Service) expire(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == StatusActive {
		if _, err := s.transition(ctx, id, Transition{
			From: []Status{StatusActive}, To: StatusExpired, At: s.now(),
		}); err != nil {
			return err
		}
	}
	_, err = s.refundLocked(ctx, id, "expired")
	return err
}

// ResolveSettlement applies the outcome of an escrow envelope that was left
// PENDING. Reconciliation calls it once the ledger has answered. Funding that
// completed activates the escrow and funding that failed cancels it; a
// completed release or refund moves the escrow to its terminal status.
func (s *Service) ResolveSettlement(ctx context.Context, tx *payments.Transaction, o payments.Outcome) error {
	unlock, err := s.lock(ctx, tx.EscrowID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, tx.EscrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		// Funding whose escrow row was never written.
		_, ferr := s.records.Finalize(ctx, tx.ID, o)
		return ferr
	}
	if err != nil {
		return err
	}
	st := &Settlement{RecordID: tx.ID, Outcome: o}

	switch tx.Kind {
	case payments.KindEscrowFund:
		if o.Status == payments.StatusCompleted {
			_, err = s.transition(ctx, e.ID, Transition{
				From: cancellable, To: StatusActive, At: o.At, Settlement: st,
			})
			return err
		}
		_, err = s.cancelLocked(ctx, e, st)
		return err

	case payments.KindEscrowRelease, payments.KindEscrowRefund:
		if o.Status != payments.StatusCompleted {
			_, err := s.records.Finalize(ctx, tx.ID, o)
			return err
		}
		t := Transition{To: StatusReleased, From: []Status{StatusActive, StatusDisputed}, At: o.At, TxHash: tx.Hash, Settlement: st}
		if tx.Kind == payments.KindEscrowRefund {
			t = Transition{To: StatusRefunded, From: refundableFrom, At: o.At, TxHash: tx.Hash, RefundReason: "reconciled", Settlement: st}
		}
		if _, err := s.transition(ctx, e.ID, t); err != nil {
			return err
		}
		s.deactivateAccount(ctx, e)
		return nil
	}
	return fmt.Errorf("escrow: record %s of kind %s is not an escrow settlement", tx.ID, tx.Kind)
}

// settle pays the escrow account's holdings to the destination (release) or
// the source (refund) and merges the account. Callers hold the escrow lock.
func (s *Service) settle(ctx context.Context, e *Escrow, kind payments.Kind, from []Status, memo, reason string) (*Escrow, error) {
	if err := s.ensureNoSettlementInFlight(ctx, e); err != nil {
		return nil, err
	}

	to, dest := StatusReleased, e.Destination
	if kind == payments.KindEscrowRefund {
		to, dest = StatusRefunded, e.Source
	}

	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(e.ID))
	defer span.End()

	network := s.registry.Network()
	st, err := network.LoadAccount(ctx, e.EscrowPublicKey)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, failure.Wrap(failure.KindConflict, "escrow: escrow account is closed on the ledger; reconcile before settling", err)
		}
		return nil, fmt.Errorf("escrow: load escrow account: %w", err)
	}
	builder := s.registry.Builder()
	held, _ := st.BalanceOf(e.Asset)
	pay := held
	if e.Asset.IsNative() {
		// The fee comes out first and the payment may not dip below the
		// reserve; the merge carries the reserve over.
		pay = amount.Spendable(held.Sub(builder.SettlementFee(e.Asset)), s.reserve)
	}

	unsigned, err := builder.SettleAndMerge(st, dest, pay, e.Asset, memo)
	if err != nil {
		return nil, err
	}
	env, err := s.registry.Sign(ctx, unsigned, e.EscrowPublicKey)
	if err != nil {
		return nil, err
	}

	rec := s.settlementRecord(e, kind, e.EscrowPublicKey, dest, pay, memo, env)
	if err := s.records.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("escrow: record settlement: %w", err)
	}

	purpose := "escrow_release"
	if to == StatusRefunded {
		purpose = "escrow_refund"
	}
	started := time.Now()
	res, subErr := network.Submit(ctx, env)
	traces.Outcome(span, subErr)
	switch {
	case subErr == nil:
		metrics.ObserveSubmission(purpose, "completed", started)
		out, err := s.transition(ctx, e.ID, Transition{
			From: from, To: to, At: s.now(), TxHash: res.Hash, RefundReason: reason,
			Settlement: &Settlement{RecordID: rec.ID, Outcome: payments.Outcome{
				Status: payments.StatusCompleted, Hash: res.Hash, Ledger: int64(res.Ledger),
				FeePaid: res.FeePaid(), At: s.now(),
			}},
		})
		if err != nil {
			s.logger.Error("escrow settled on ledger but not recorded; left for reconciliation",
				"escrowId", e.ID, "status", to, "hash", res.Hash, "error", err)
			return nil, fmt.Errorf("escrow: record settlement outcome: %w", err)
		}
		s.deactivateAccount(ctx, e)
		s.logger.Info("escrow settled", "escrowId", e.ID, "status", to, "to", dest, "amount", amount.Format(pay), "hash", res.Hash)
		return out, nil

	case failure.Is(subErr, failure.KindRemoteRejected):
		metrics.ObserveSubmission(purpose, "rejected", started)
		s.finalizeRecord(ctx, rec.ID, payments.Outcome{
			Status: payments.StatusFailed, ErrorMessage: chain.ErrorMessage(subErr), At: s.now(),
		})
		s.logger.Warn("escrow settlement rejected", "escrowId", e.ID, "status", to, "error", subErr)
		return nil, subErr

	default:
		metrics.ObserveSubmission(purpose, "unknown", started)
		s.logger.Error("escrow settlement outcome unknown; left PENDING for reconciliation",
			"escrowId", e.ID, "status", to, "hash", env.Hash, "error", subErr)
		var unknown *chain.UnknownOutcomeError
		if !errors.As(subErr, &unknown) {
			subErr = &chain.UnknownOutcomeError{Op: "escrow settle", Hash: env.Hash, Err: subErr}
		}
		return e, subErr
	}
}

// ensureNoSettlementInFlight refuses a new envelope while an earlier one may
// still apply. Both would spend the same sequence number so only one can
// ever succeed, but the loser's record would be misleading.
func (s *Service) ensureNoSettlementInFlight(ctx context.Context, e *Escrow) error {
	recs, err := s.records.ListByEscrow(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("escrow: list settlements: %w", err)
	}
	now := s.now()
	for _, r := range recs {
		if r.Kind == payments.KindEscrowFund || r.Status != payments.StatusPending {
			continue
		}
		if r.ValidUntil == nil || now.Before(*r.ValidUntil) {
			return ErrSettlementInFlight
		}
	}
	return nil
}

func (s *Service) transition(ctx context.Context, id string, t Transition) (*Escrow, error) {
	e, err := s.store.Transition(ctx, id, t)
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(t.To)).Inc()
	s.publish(e)
	return e, nil
}

func (s *Service) publish(e *Escrow) {
	s.events.Publish(realtime.Event{
		Type:      realtime.EventEscrow,
		ID:        e.ID,
		Status:    string(e.Status),
		Accounts:  []string{e.Source, e.Destination},
		Timestamp: e.UpdatedAt,
		Data:      e,
	})
}

func (s *Service) cancelLocked(ctx context.Context, e *Escrow, st *Settlement) (*Escrow, error) {
	out, err := s.transition(ctx, e.ID, Transition{From: cancellable, To: StatusCancelled, At: s.now(), Settlement: st})
	if err != nil {
		return nil, err
	}
	s.deactivateAccount(ctx, e)
	s.logger.Info("escrow cancelled", "escrowId", e.ID)
	return out, nil
}

func (s *Service) fundingRecord(ctx context.Context, e *Escrow) (*payments.Transaction, error) {
	recs, err := s.records.ListByEscrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Kind == payments.KindEscrowFund {
			return r, nil
		}
	}
	return nil, nil
}

// replay returns the escrow created under req's idempotency key, if any.
func (s *Service) replay(ctx context.Context, req CreateRequest) (*Escrow, error) {
	rec, err := s.records.GetByIdempotencyKey(ctx, req.Source, req.IdempotencyKey)
	if errors.Is(err, payments.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Kind != payments.KindEscrowFund {
		return nil, payments.ErrKeyReused
	}
	metrics.IdempotentReplaysTotal.Inc()
	e, err := s.store.Get(ctx, rec.EscrowID)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}
	switch rec.Status {
	case payments.StatusFailed:
		return nil, &chain.RejectedError{Op: "escrow fund", Hash: rec.Hash, Detail: rec.ErrorMessage}
	default:
		return nil, &chain.UnknownOutcomeError{Op: "escrow fund", Hash: rec.Hash, Err: errors.New("funding not yet recorded")}
	}
}

func (s *Service) validate(ctx context.Context, req CreateRequest) (decimal.Decimal, error) {
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
		return decimal.Zero, failure.Wrap(failure.KindValidation, "escrow: invalid request", errs)
	}
	if req.Source == req.Destination {
		return decimal.Zero, ErrSameAccount
	}
	if err := req.Asset.Validate(); err != nil {
		return decimal.Zero, err
	}
	value, err := amount.ParsePositive(req.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	if req.Asset.IsNative() && !value.GreaterThan(s.reserve) {
		return decimal.Zero, ErrBelowReserve
	}
	if err := s.validateConditions(req); err != nil {
		return decimal.Zero, err
	}
	acct, err := s.registry.GetByPublicKey(ctx, req.Source)
	if err != nil {
		return decimal.Zero, err
	}
	if !acct.Active || acct.Type != accounts.TypeUser {
		return decimal.Zero, ErrSourceNotUser
	}
	return value, nil
}

func (s *Service) validateConditions(req CreateRequest) error {
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidConditions)
	}
	if req.ExpiresAt != nil && req.ReleaseAfter != nil && !req.ExpiresAt.After(*req.ReleaseAfter) {
		return fmt.Errorf("%w: expiresAt must be after releaseAfter", ErrInvalidConditions)
	}
	if q := req.Quorum; q != nil {
		if q.Threshold < 1 || q.Threshold > len(q.Signers) {
			return fmt.Errorf("%w: quorum threshold must be between 1 and %d", ErrInvalidConditions, len(q.Signers))
		}
		seen := make(map[string]bool, len(q.Signers))
		for _, signer := range q.Signers {
			if !chain.ValidPublicKey(signer) {
				return fmt.Errorf("%w: quorum signer %q is not a public key", ErrInvalidConditions, signer)
			}
			if seen[signer] {
				return fmt.Errorf("%w: duplicate quorum signer %s", ErrInvalidConditions, signer)
			}
			seen[signer] = true
		}
	}
	return nil
}

// verifyQuorum counts distinct configured signers with a valid signature.
func verifyQuorum(e *Escrow, sigs []QuorumSignature) error {
	if e.Quorum == nil || e.Quorum.Threshold == 0 {
		return nil
	}
	msg := ReleaseMessage(e.ID)
	approved := make(map[string]bool)
	for _, sig := range sigs {
		if approved[sig.Signer] || !slices.Contains(e.Quorum.Signers, sig.Signer) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(sig.Signature)
		if err != nil || len(raw) != ed25519.SignatureSize {
			continue
		}
		kp, err := keypair.ParseAddress(sig.Signer)
		if err != nil {
			continue
		}
		if kp.Verify(msg, raw) == nil {
			approved[sig.Signer] = true
		}
	}
	if len(approved) < e.Quorum.Threshold {
		return fmt.Errorf("%w: %d of %d signatures", ErrQuorumNotMet, len(approved), e.Quorum.Threshold)
	}
	return nil
}

func (s *Service) settlementRecord(e *Escrow, kind payments.Kind, from, to string, value decimal.Decimal, memo string, env *chain.Envelope) *payments.Transaction {
	now := s.now()
	validUntil := env.ValidUntil
	return &payments.Transaction{
		ID:          idgen.WithPrefix(idgen.TransactionPrefix),
		Kind:        kind,
		Owner:       from,
		Hash:        env.Hash,
		Source:      from,
		Destination: to,
		Amount:      amount.Format(value),
		Asset:       e.Asset,
		Memo:        memo,
		Status:      payments.StatusPending,
		EscrowID:    e.ID,
		ValidUntil:  &validUntil,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// openingBalance is what a credit-asset escrow account is created with: the
// base reserve plus room for the trustline and the settlement fee.
func (s *Service) openingBalance(asset chain.Asset) decimal.Decimal {
	if asset.IsNative() {
		return decimal.Zero
	}
	return s.reserve.Mul(decimal.NewFromInt(2))
}

func (s *Service) persistCreate(ctx context.Context, e *Escrow, fund *Settlement) error {
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return s.store.Create(ctx, e, fund)
	})
}

func (s *Service) finalizeRecord(ctx context.Context, id string, o payments.Outcome) {
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.records.Finalize(ctx, id, o)
		return err
	})
	if err != nil {
		s.logger.Error("record settlement outcome failed", "txId", id, "status", o.Status, "error", err)
	}
}

// abandonAccount deactivates an escrow account that will never hold funds.
func (s *Service) abandonAccount(ctx context.Context, acct *accounts.Account) {
	if err := s.registry.Deactivate(ctx, acct.ID); err != nil {
		s.logger.Warn("deactivate unused escrow account failed", "accountId", acct.ID, "error", err)
	}
}

func (s *Service) deactivateAccount(ctx context.Context, e *Escrow) {
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return s.registry.Deactivate(ctx, e.EscrowAccountID)
	})
	if err != nil {
		s.logger.Error("deactivate escrow account failed", "escrowId", e.ID, "accountId", e.EscrowAccountID, "error", err)
	}
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "escrow:"+id)
}
