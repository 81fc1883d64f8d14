// Package reconciliation folds the ledger's and the anchor's authoritative
// state back into local records: cached account balances, PENDING
// transactions whose outcome was unknown, and fiat transfer statuses.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentvault/rentvault/internal/accounts"
	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/anchor"
	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/realtime"
)

const (
	syncPageSize    = 100
	pendingBatch    = 100
	anchorBatch     = 50
	defaultRecheck  = 2 * time.Minute
	failedNeverSeen = "transaction expired without reaching the ledger"
	failedOnLedger  = "transaction failed on the ledger"
)

// SettlementResolver applies the outcome of an escrow settlement envelope.
type SettlementResolver interface {
	ResolveSettlement(ctx context.Context, tx *payments.Transaction, o payments.Outcome) error
}

// AnchorUpdater is the part of the anchor service reconciliation drives.
type AnchorUpdater interface {
	ApplyUpdate(ctx context.Context, u anchor.StatusUpdate) (*anchor.Transaction, error)
	ListOpen(ctx context.Context, before time.Time, limit int) ([]*anchor.Transaction, error)
	Refresh(ctx context.Context, t *anchor.Transaction) (*anchor.Transaction, error)
}

// Service reconciles local records with the ledger and the anchor.
type Service struct {
	registry     *accounts.Registry
	network      chain.Network
	records      payments.Store
	escrows      SettlementResolver
	anchors      AnchorUpdater
	recheckAfter time.Duration
	events       realtime.Publisher
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a reconciliation service. PENDING records younger than
// recheckAfter are left alone; their submitter may still be finishing them.
// escrows and anchors may be nil.
func NewService(registry *accounts.Registry, records payments.Store, escrows SettlementResolver, anchors AnchorUpdater, recheckAfter time.Duration, logger *slog.Logger) *Service {
	if recheckAfter <= 0 {
		recheckAfter = defaultRecheck
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:     registry,
		network:      registry.Network(),
		records:      records,
		escrows:      escrows,
		anchors:      anchors,
		recheckAfter: recheckAfter,
		events:       realtime.Discard,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEvents publishes reconciled payment outcomes to p.
func (s *Service) WithEvents(p realtime.Publisher) *Service {
	s.events = p
	return s
}

// SyncAccount overwrites the cached balance and sequence of a managed
// account with the network's values. An account the network does not know
// yet is not an error.
func (s *Service) SyncAccount(ctx context.Context, publicKey string) error {
	st, err := s.network.LoadAccount(ctx, publicKey)
	if errors.Is(err, chain.ErrAccountNotFound) {
		if _, gerr := s.registry.GetByPublicKey(ctx, publicKey); gerr != nil {
			return gerr
		}
		s.logger.Debug("account not on ledger yet", "publicKey", publicKey)
		return nil
	}
	if err != nil {
		return err
	}
	native, _ := st.BalanceOf(chain.Native)
	return s.registry.UpdateState(ctx, publicKey, amount.Format(native), st.Sequence)
}

// SyncResult summarizes one SyncAll run.
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// SyncAll refreshes every active account. One failure does not stop the
// others.
func (s *Service) SyncAll(ctx context.Context) SyncResult {
	var res SyncResult
	var after int64
	for {
		page, err := s.registry.List(ctx, accounts.Filter{ActiveOnly: true, AfterID: after, Limit: syncPageSize})
		if err != nil {
			s.logger.Error("failed to list accounts for sync", "error", err)
			reconcileErrors.Inc()
			return res
		}
		for _, a := range page {
			if ctx.Err() != nil {
				return res
			}
			if err := s.SyncAccount(ctx, a.PublicKey); err != nil {
				res.Failed++
				reconcileErrors.Inc()
				s.logger.Warn("account sync failed", "publicKey", a.PublicKey, "error", err)
				continue
			}
			res.Synced++
		}
		if len(page) < syncPageSize {
			return res
		}
		after = page[len(page)-1].ID
	}
}

// ResolveResult summarizes one ResolvePending run.
type ResolveResult struct {
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	StillPending int `json:"stillPending"`
	Errors       int `json:"errors"`
}

// ResolvePending looks up every PENDING record by hash. A transaction the
// ledger has applied is COMPLETED or FAILED by its result; one the ledger
// has never seen is FAILED once its time bound has passed and left alone
// before that. Escrow settlements go through the escrow engine.
func (s *Service) ResolvePending(ctx context.Context) ResolveResult {
	var res ResolveResult
	now := s.now()
	pending, err := s.records.ListPending(ctx, now.Add(-s.recheckAfter), pendingBatch)
	if err != nil {
		s.logger.Error("failed to list pending transactions", "error", err)
		reconcileErrors.Inc()
		res.Errors++
		return res
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			break
		}
		o, decided, err := s.outcome(ctx, tx, now)
		if err != nil {
			res.Errors++
			reconcileErrors.Inc()
			s.logger.Warn("status lookup failed", "txId", tx.ID, "hash", tx.Hash, "error", err)
			continue
		}
		if !decided {
			res.StillPending++
			continue
		}
		if err := s.apply(ctx, tx, o); err != nil {
			res.Errors++
			reconcileErrors.Inc()
			s.logger.Error("failed to apply reconciled outcome", "txId", tx.ID, "escrowId", tx.EscrowID, "status", o.Status, "error", err)
			continue
		}
		pendingResolved.WithLabelValues(string(o.Status)).Inc()
		if final, err := s.records.Get(ctx, tx.ID); err == nil {
			payments.PublishOutcome(s.events, final)
		}
		if o.Status == payments.StatusCompleted {
			res.Completed++
			if err := s.SyncAccount(ctx, tx.Source); err != nil {
				s.logger.Debug("post-resolve sync failed", "publicKey", tx.Source, "error", err)
			}
		} else {
			res.Failed++
		}
		s.logger.Info("pending transaction reconciled", "txId", tx.ID, "hash", tx.Hash, "status", o.Status)
	}
	stuckPending.Set(float64(res.StillPending))
	return res
}

func (s *Service) outcome(ctx context.Context, tx *payments.Transaction, now time.Time) (payments.Outcome, bool, error) {
	expired := tx.ValidUntil != nil && now.After(*tx.ValidUntil)
	if tx.Hash == "" {
		if expired {
			return payments.Outcome{Status: payments.StatusFailed, ErrorMessage: failedNeverSeen, At: now}, true, nil
		}
		return payments.Outcome{}, false, nil
	}

	st, err := s.network.TransactionStatus(ctx, tx.Hash)
	if err != nil {
		return payments.Outcome{}, false, err
	}
	switch {
	case st.Found && st.Successful:
		return payments.Outcome{
			Status:  payments.StatusCompleted,
			Hash:    tx.Hash,
			Ledger:  int64(st.Ledger),
			FeePaid: amount.Format(decimal.New(st.FeeCharged, -7)),
			At:      now,
		}, true, nil
	case st.Found:
		return payments.Outcome{
			Status:       payments.StatusFailed,
			Hash:         tx.Hash,
			Ledger:       int64(st.Ledger),
			FeePaid:      amount.Format(decimal.New(st.FeeCharged, -7)),
			ErrorMessage: failedOnLedger,
			At:           now,
		}, true, nil
	case expired:
		return payments.Outcome{Status: payments.StatusFailed, Hash: tx.Hash, ErrorMessage: failedNeverSeen, At: now}, true, nil
	}
	return payments.Outcome{}, false, nil
}

func (s *Service) apply(ctx context.Context, tx *payments.Transaction, o payments.Outcome) error {
	if tx.EscrowID != "" && s.escrows != nil {
		return s.escrows.ResolveSettlement(ctx, tx, o)
	}
	_, err := s.records.Finalize(ctx, tx.ID, o)
	if errors.Is(err, payments.ErrAlreadyFinal) {
		return nil
	}
	return err
}

// HandleExternalStatusUpdate applies one anchor callback. Updates for an
// unknown external id are logged and dropped.
func (s *Service) HandleExternalStatusUpdate(ctx context.Context, u anchor.StatusUpdate) (*anchor.Transaction, error) {
	if s.anchors == nil {
		return nil, anchor.ErrNotConfigured
	}
	t, err := s.anchors.ApplyUpdate(ctx, u)
	if errors.Is(err, anchor.ErrTransactionNotFound) {
		droppedUpdates.Inc()
		s.logger.Warn("anchor update for unknown transaction dropped", "externalId", u.ExternalID, "status", u.Status)
		return nil, nil
	}
	return t, err
}

// FoldResult summarizes one FoldStatusUpdates batch.
type FoldResult struct {
	Applied int `json:"applied"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// FoldStatusUpdates applies a batch of anchor callbacks in order. A bad
// item is logged with its external id and skipped.
func (s *Service) FoldStatusUpdates(ctx context.Context, updates []anchor.StatusUpdate) FoldResult {
	var res FoldResult
	for _, u := range updates {
		t, err := s.HandleExternalStatusUpdate(ctx, u)
		switch {
		case err != nil:
			res.Failed++
			reconcileErrors.Inc()
			s.logger.Warn("anchor update failed", "externalId", u.ExternalID, "error", err)
		case t == nil:
			res.Dropped++
		default:
			res.Applied++
		}
	}
	return res
}

// RefreshAnchors polls the anchor for transfers it has not reported on
// recently.
func (s *Service) RefreshAnchors(ctx context.Context) FoldResult {
	var res FoldResult
	if s.anchors == nil {
		return res
	}
	open, err := s.anchors.ListOpen(ctx, s.now().Add(-s.recheckAfter), anchorBatch)
	if err != nil {
		s.logger.Error("failed to list open anchor transactions", "error", err)
		reconcileErrors.Inc()
		return res
	}
	for _, t := range open {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.anchors.Refresh(ctx, t); err != nil {
			if errors.Is(err, anchor.ErrNotConfigured) {
				return res
			}
			res.Failed++
			reconcileErrors.Inc()
			s.logger.Warn("anchor refresh failed", "id", t.ID, "externalId", t.ExternalID, "error", err)
			continue
		}
		res.Applied++
	}
	return res
}

// Report is the result of one full reconciliation pass.
type Report struct {
	Pending  ResolveResult `json:"pending"`
	Accounts SyncResult    `json:"accounts"`
	Anchor   FoldResult    `json:"anchor"`
	Duration time.Duration `json:"duration"`
}

// RunAll resolves pending transactions, then refreshes accounts and anchor
// transfers.
func (s *Service) RunAll(ctx context.Context) Report {
	start := time.Now()
	r := Report{
		Pending:  s.ResolvePending(ctx),
		Accounts: s.SyncAll(ctx),
		Anchor:   s.RefreshAnchors(ctx),
	}
	r.Duration = time.Since(start)
	reconcileDuration.Observe(r.Duration.Seconds())
	return r
}

var _ payments.AccountRefresher = (*Service)(nil)
