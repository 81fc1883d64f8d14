// Package accounts is the registry of managed ledger accounts.
//
// Every account the service can sign for lives here with its sealed secret.
// Accounts are never deleted; escrow accounts are deactivated once their
// escrow settles so the key can no longer be used.
package accounts

import (
	"context"
	"time"

	"github.com/rentvault/rentvault/internal/failure"
)

var (
	ErrAccountNotFound = failure.New(failure.KindNotFound, "accounts: account not found")
	ErrAccountInactive = failure.New(failure.KindConflict, "accounts: account is inactive")
	ErrDuplicateKey    = failure.New(failure.KindConflict, "accounts: public key already registered")
	ErrInvalidType     = failure.New(failure.KindValidation, "accounts: type must be USER or ESCROW")
)

// Type distinguishes user wallets from escrow holding accounts.
type Type string

const (
	TypeUser   Type = "USER"
	TypeEscrow Type = "ESCROW"
)

// Valid reports whether t is a known account type.
func (t Type) Valid() bool {
	return t == TypeUser || t == TypeEscrow
}

// Account is a managed identity on the ledger network.
type Account struct {
	ID              int64      `json:"id"`
	PublicKey       string     `json:"publicKey"`
	EncryptedSecret string     `json:"-"`
	Type            Type       `json:"type"`
	Balance         string     `json:"balance"`
	Sequence        int64      `json:"sequence"`
	Active          bool       `json:"active"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type       Type
	ActiveOnly bool
	AfterID    int64
	Limit      int
}

// Store persists accounts.
type Store interface {
	// Create inserts a and assigns a.ID.
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id int64) (*Account, error)
	GetByPublicKey(ctx context.Context, publicKey string) (*Account, error)
	List(ctx context.Context, f Filter) ([]*Account, error)
	// Deactivate clears the active flag. Deactivating twice is not an error.
	Deactivate(ctx context.Context, id int64, at time.Time) error
	UpdateState(ctx context.Context, publicKey, balance string, sequence int64, at time.Time) error
}
