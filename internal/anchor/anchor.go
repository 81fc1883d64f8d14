// Package anchor is the fiat on/off-ramp boundary. Deposits and withdrawals
// are initiated with an external anchor and their progress arrives later as
// status updates keyed by the anchor's transaction id.
package anchor

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/idgen"
	"github.com/rentvault/rentvault/internal/metrics"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/validation"
)

var (
	ErrTransactionNotFound = failure.New(failure.KindNotFound, "anchor: transaction not found")
	ErrDuplicateExternalID = failure.New(failure.KindConflict, "anchor: external id already recorded")
	ErrUnsupportedCurrency = failure.New(failure.KindConfiguration, "anchor: currency not supported")
	ErrNotConfigured       = failure.New(failure.KindConfiguration, "anchor: no anchor configured")
)

const maxMethodLen = 32

// Kind is the direction of a fiat transfer.
type Kind string

const (
	KindDeposit    Kind = "DEPOSIT"
	KindWithdrawal Kind = "WITHDRAWAL"
)

// Transaction is one deposit or withdrawal tracked with the anchor.
type Transaction struct {
	ID                 string    `json:"id"`
	ExternalID         string    `json:"externalId"`
	Kind               Kind      `json:"kind"`
	AccountPublicKey   string    `json:"accountPublicKey"`
	Amount             string    `json:"amount"`
	CurrencyCode       string    `json:"currencyCode"`
	Method             string    `json:"method,omitempty"`
	Status             Status    `json:"status"`
	ExternalStatus     string    `json:"externalStatus,omitempty"`
	ExternalLedgerTxID string    `json:"externalLedgerTxId,omitempty"`
	InteractiveURL     string    `json:"interactiveUrl,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// StatusUpdate is an asynchronous progress report from the anchor.
type StatusUpdate struct {
	ExternalID         string `json:"externalId"`
	Status             string `json:"status"`
	ExternalLedgerTxID string `json:"externalLedgerTxId,omitempty"`
}

// Change is what ApplyStatus does to one record.
type Change struct {
	Status             Status
	ExternalStatus     string
	ExternalLedgerTxID string
	At                 time.Time
}

// Store persists anchor transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	List(ctx context.Context, publicKey string, limit int) ([]*Transaction, error)
	// ListOpen returns PENDING and PROCESSING records not updated since
	// before, least recently updated first.
	ListOpen(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// ApplyStatus updates the record for externalID. A status move the
	// record may not take is skipped and reported with applied=false; the
	// raw external status and ledger id are still recorded.
	ApplyStatus(ctx context.Context, externalID string, c Change) (t *Transaction, applied bool, err error)
}

// Gateway talks to the anchor.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*GatewayTransaction, error)
	Lookup(ctx context.Context, externalID string) (*GatewayTransaction, error)
}

// GatewayTransaction is the anchor's view of a transfer.
type GatewayTransaction struct {
	ExternalID         string
	Status             string
	ExternalLedgerTxID string
	InteractiveURL     string
}

// InitiateRequest starts a deposit or withdrawal.
type InitiateRequest struct {
	Kind             Kind   `json:"kind"`
	Amount           string `json:"amount"`
	CurrencyCode     string `json:"currencyCode"`
	AccountPublicKey string `json:"accountPublicKey"`
	Method           string `json:"method,omitempty"`
}

// Service tracks fiat transfers.
type Service struct {
	store      Store
	gateway    Gateway
	currencies []string
	events     realtime.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates an anchor service that accepts only currencies. gateway
// may be nil when no anchor is configured; status updates still apply.
func NewService(store Store, gateway Gateway, currencies []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make([]string, 0, len(currencies))
	for _, c := range currencies {
		allowed = append(allowed, strings.ToUpper(strings.TrimSpace(c)))
	}
	return &Service{
		store:      store,
		gateway:    gateway,
		currencies: allowed,
		events:     realtime.Discard,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEvents publishes transfer status changes to p.
func (s *Service) WithEvents(p realtime.Publisher) *Service {
	s.events = p
	return s
}

// Initiate validates req, including the currency allow-list, before the
// anchor is contacted, then records the transfer under the anchor's id.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	req.CurrencyCode = strings.ToUpper(strings.TrimSpace(req.CurrencyCode))
	req.Method = validation.SanitizeString(req.Method, maxMethodLen)
	if errs := validation.Check(
		validation.Required("amount", req.Amount),
		validation.Required("currencyCode", req.CurrencyCode),
		validation.Required("accountPublicKey", req.AccountPublicKey),
		validation.Amount("amount", req.Amount),
		validation.Currency("currencyCode", req.CurrencyCode),
		validation.PublicKey("accountPublicKey", req.AccountPublicKey),
	); len(errs) > 0 {
		return nil, failure.Wrap(failure.KindValidation, "anchor: invalid request", errs)
	}
	if req.Kind != KindDeposit && req.Kind != KindWithdrawal {
		return nil, failure.Validationf("anchor: kind must be DEPOSIT or WITHDRAWAL")
	}
	value, err := amount.ParsePositive(req.Amount)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, "anchor: amount", err)
	}
	if !slices.Contains(s.currencies, req.CurrencyCode) {
		return nil, ErrUnsupportedCurrency
	}
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}
	req.Amount = amount.Format(value)

	gt, err := s.gateway.Initiate(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &Transaction{
		ID:                 idgen.WithPrefix("anc_"),
		ExternalID:         gt.ExternalID,
		Kind:               req.Kind,
		AccountPublicKey:   req.AccountPublicKey,
		Amount:             req.Amount,
		CurrencyCode:       req.CurrencyCode,
		Method:             req.Method,
		Status:             MapExternalStatus(gt.Status),
		ExternalStatus:     gt.Status,
		ExternalLedgerTxID: gt.ExternalLedgerTxID,
		InteractiveURL:     gt.InteractiveURL,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		s.logger.Error("anchor transfer started but not recorded",
			"externalId", gt.ExternalID, "account", req.AccountPublicKey, "error", err)
		return nil, err
	}
	s.publish(t)
	s.logger.Info("anchor transfer initiated", "id", t.ID, "externalId", t.ExternalID,
		"kind", t.Kind, "currency", t.CurrencyCode, "status", t.Status)
	return t, nil
}

// ApplyUpdate folds one status report into the matching record. An unknown
// external id returns ErrTransactionNotFound.
func (s *Service) ApplyUpdate(ctx context.Context, u StatusUpdate) (*Transaction, error) {
	externalID := strings.TrimSpace(u.ExternalID)
	if externalID == "" {
		return nil, failure.Validationf("anchor: externalId is required")
	}
	mapped := MapExternalStatus(u.Status)
	t, applied, err := s.store.ApplyStatus(ctx, externalID, Change{
		Status:             mapped,
		ExternalStatus:     strings.TrimSpace(u.Status),
		ExternalLedgerTxID: strings.TrimSpace(u.ExternalLedgerTxID),
		At:                 s.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.AnchorStatusUpdatesTotal.WithLabelValues(string(mapped)).Inc()
	if applied {
		s.publish(t)
	} else if t.Status != mapped {
		s.logger.Warn("anchor status move ignored", "externalId", externalID,
			"current", t.Status, "reported", u.Status)
	}
	return t, nil
}

func (s *Service) publish(t *Transaction) {
	s.events.Publish(realtime.Event{
		Type:      realtime.EventAnchor,
		ID:        t.ID,
		Status:    string(t.Status),
		Accounts:  []string{t.AccountPublicKey},
		Timestamp: t.UpdatedAt,
		Data:      t,
	})
}

// Refresh asks the anchor for the current state of one open transfer.
func (s *Service) Refresh(ctx context.Context, t *Transaction) (*Transaction, error) {
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}
	gt, err := s.gateway.Lookup(ctx, t.ExternalID)
	if err != nil {
		return nil, err
	}
	return s.ApplyUpdate(ctx, StatusUpdate{
		ExternalID:         t.ExternalID,
		Status:             gt.Status,
		ExternalLedgerTxID: gt.ExternalLedgerTxID,
	})
}

// ListOpen returns transfers still waiting on the anchor.
func (s *Service) ListOpen(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	return s.store.ListOpen(ctx, before, limit)
}

// Get returns an anchor transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// List returns an account's anchor transactions, newest first.
func (s *Service) List(ctx context.Context, publicKey string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, publicKey, limit)
}
