// Package payments submits value transfers to the ledger network and keeps
// the local Transaction Record for each one.
//
// A record is written PENDING before the envelope is submitted and finalized
// exactly once afterwards. Records are never deleted and never resubmitted:
// a PENDING record with a hash is resolved by reconciliation, not by retry.
package payments

import (
	"context"
	"time"

	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/pagination"
	"github.com/rentvault/rentvault/internal/realtime"
)

var (
	ErrTransactionNotFound     = failure.New(failure.KindNotFound, "payments: transaction not found")
	ErrDuplicateIdempotencyKey = failure.New(failure.KindConflict, "payments: idempotency key already used")
	ErrKeyReused               = failure.New(failure.KindConflict, "payments: idempotency key already used for a different operation")
	ErrAlreadyFinal            = failure.New(failure.KindConflict, "payments: transaction already finalized")
	ErrSameAccount             = failure.New(failure.KindValidation, "payments: source and destination are the same account")
	ErrSourceNotUser           = failure.New(failure.KindValidation, "payments: source must be an active USER account")
)

// Status of a Transaction Record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind says why value moved.
type Kind string

const (
	KindPayment       Kind = "PAYMENT"
	KindEscrowFund    Kind = "ESCROW_FUND"
	KindEscrowRelease Kind = "ESCROW_RELEASE"
	KindEscrowRefund  Kind = "ESCROW_REFUND"
)

// Transaction is the local mirror of one submitted envelope.
type Transaction struct {
	ID             string      `json:"id"`
	Kind           Kind        `json:"kind"`
	Owner          string      `json:"owner"`
	Hash           string      `json:"hash,omitempty"`
	Source         string      `json:"source"`
	Destination    string      `json:"destination"`
	Amount         string      `json:"amount"`
	Asset          chain.Asset `json:"asset"`
	FeePaid        string      `json:"feePaid,omitempty"`
	Memo           string      `json:"memo,omitempty"`
	Status         Status      `json:"status"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	Ledger         int64       `json:"ledger,omitempty"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
	EscrowID       string      `json:"escrowId,omitempty"`
	ValidUntil     *time.Time  `json:"validUntil,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Outcome is the one-time update applied to a PENDING record.
type Outcome struct {
	Status       Status
	Hash         string
	Ledger       int64
	FeePaid      string
	ErrorMessage string
	At           time.Time
}

// Store persists Transaction Records.
type Store interface {
	// Insert adds t. A second record for the same (Owner, IdempotencyKey)
	// fails with ErrDuplicateIdempotencyKey.
	Insert(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, owner, key string) (*Transaction, error)
	GetByHash(ctx context.Context, hash string) (*Transaction, error)
	// List returns records touching publicKey (all records when empty),
	// newest first, starting strictly after before when it is set.
	List(ctx context.Context, publicKey string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	// ListByEscrow returns the settlement records of one escrow, oldest first.
	ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)
	// ListPending returns PENDING records created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
	// Finalize applies o to a PENDING record. Terminal records return
	// ErrAlreadyFinal and are left untouched.
	Finalize(ctx context.Context, id string, o Outcome) (*Transaction, error)
}

// Request is a payment submission.
type Request struct {
	Source         string      `json:"source"`
	Destination    string      `json:"destination"`
	Amount         string      `json:"amount"`
	Asset          chain.Asset `json:"asset"`
	Memo           string      `json:"memo,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// AccountRefresher reloads an account's cached balance from the network.
type AccountRefresher interface {
	SyncAccount(ctx context.Context, publicKey string) error
}

// PublishOutcome announces t's current status to both parties' streams.
func PublishOutcome(p realtime.Publisher, t *Transaction) {
	if p == nil || t == nil {
		return
	}
	p.Publish(realtime.Event{
		Type:      realtime.EventPayment,
		ID:        t.ID,
		Status:    string(t.Status),
		Accounts:  []string{t.Source, t.Destination},
		Timestamp: t.UpdatedAt,
		Data:      t,
	})
}
