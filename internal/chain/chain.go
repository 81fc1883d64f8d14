// Package chain is the adapter between the settlement engine and the external
// ledger network.
//
// It loads account state, builds and signs transaction envelopes, and submits
// them. It never retries and never interprets business status: a submission
// either returns a hash or fails with one of two typed errors.
//
//   - *RejectedError       the network refused the envelope; nothing moved and
//     the caller may mark its record FAILED immediately.
//   - *UnknownOutcomeError transport failure or timeout; the envelope may still
//     be applied and the caller must query TransactionStatus before acting.
package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"

	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/failure"
)

var (
	ErrAccountNotFound = failure.New(failure.KindNotFound, "chain: account not found on network")
	ErrInvalidAsset    = failure.New(failure.KindValidation, "chain: invalid asset")
	ErrInvalidKey      = failure.New(failure.KindValidation, "chain: invalid public key")
	ErrMemoTooLong     = failure.New(failure.KindValidation, "chain: memo exceeds 28 bytes")
)

// MaxMemoBytes is the longest text memo the network accepts.
const MaxMemoBytes = 28

// StroopsPerUnit converts fee stroops to whole units.
const StroopsPerUnit = 10_000_000

var assetCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{1,12}$`)

// Network is the ledger network boundary.
type Network interface {
	LoadAccount(ctx context.Context, publicKey string) (*AccountState, error)
	Submit(ctx context.Context, env *Envelope) (*SubmitResult, error)
	TransactionStatus(ctx context.Context, hash string) (*TransactionStatus, error)
	FundTestAccount(ctx context.Context, publicKey string) error
}

// Asset identifies what is being moved. The zero value is the native asset.
type Asset struct {
	Code   string `json:"code,omitempty"`
	Issuer string `json:"issuer,omitempty"`
}

// Native is the network's native asset.
var Native = Asset{}

// IsNative reports whether a is the native asset.
func (a Asset) IsNative() bool {
	return a.Issuer == "" && (a.Code == "" || strings.EqualFold(a.Code, "native") || strings.EqualFold(a.Code, "XLM"))
}

// String renders "native" or "CODE:ISSUER".
func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return a.Code + ":" + a.Issuer
}

// Validate checks the asset code and issuer.
func (a Asset) Validate() error {
	if a.IsNative() {
		return nil
	}
	if !assetCodeRe.MatchString(a.Code) {
		return fmt.Errorf("%w: code %q", ErrInvalidAsset, a.Code)
	}
	if !ValidPublicKey(a.Issuer) {
		return fmt.Errorf("%w: issuer %q", ErrInvalidAsset, a.Issuer)
	}
	return nil
}

// ParseAsset parses the String form.
func ParseAsset(s string) (Asset, error) {
	if s == "" || strings.EqualFold(s, "native") || strings.EqualFold(s, "XLM") {
		return Native, nil
	}
	code, issuer, ok := strings.Cut(s, ":")
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrInvalidAsset, s)
	}
	a := Asset{Code: code, Issuer: issuer}
	return a, a.Validate()
}

// ValidPublicKey reports whether s is an account public key (G...).
func ValidPublicKey(s string) bool {
	return strkey.IsValidEd25519PublicKey(s)
}

// AccountState is the network's view of an account. Balances holds
// non-native balances keyed by Asset.String().
type AccountState struct {
	PublicKey     string
	Sequence      int64
	NativeBalance string
	Balances      map[string]string
	SubentryCount int32
}

// BalanceOf returns the balance held in asset.
func (s *AccountState) BalanceOf(asset Asset) (decimal.Decimal, bool) {
	raw := s.NativeBalance
	if !asset.IsNative() {
		var ok bool
		raw, ok = s.Balances[asset.String()]
		if !ok {
			return decimal.Zero, false
		}
	}
	d, err := amount.Parse(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Envelope is a signed transaction ready for submission. Hash is known
// before submission, which lets callers persist it as PENDING first.
type Envelope struct {
	Hash       string
	XDR        string
	Source     string
	MaxFee     int64
	ValidUntil time.Time
}

// SubmitResult is returned when the network applied an envelope.
type SubmitResult struct {
	Hash       string
	Ledger     uint32
	FeeCharged int64
}

// FeePaid renders FeeCharged as a fixed-scale amount.
func (r *SubmitResult) FeePaid() string {
	return amount.Format(decimal.New(r.FeeCharged, -7))
}

// TransactionStatus is the outcome of a status query by hash.
type TransactionStatus struct {
	Hash       string
	Found      bool
	Successful bool
	Ledger     uint32
	FeeCharged int64
}

// RejectedError means the network refused the transaction. It carries the
// network's result codes.
type RejectedError struct {
	Op              string
	Hash            string
	TransactionCode string
	OperationCodes  []string
	Detail          string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("chain: %s rejected", e.Op)
	if e.TransactionCode != "" {
		msg += ": " + e.TransactionCode
	}
	if len(e.OperationCodes) > 0 {
		msg += " [" + strings.Join(e.OperationCodes, ", ") + "]"
	}
	if e.TransactionCode == "" && e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// FailureKind classifies rejections as RemoteRejected.
func (e *RejectedError) FailureKind() failure.Kind { return failure.KindRemoteRejected }

// Codes joins the transaction and operation result codes for storage.
func (e *RejectedError) Codes() string {
	parts := make([]string, 0, len(e.OperationCodes)+1)
	if e.TransactionCode != "" {
		parts = append(parts, e.TransactionCode)
	}
	parts = append(parts, e.OperationCodes...)
	return strings.Join(parts, ",")
}

// UnknownOutcomeError means the submission may or may not have been applied.
type UnknownOutcomeError struct {
	Op   string
	Hash string
	Err  error
}

func (e *UnknownOutcomeError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("chain: %s outcome unknown (tx: %s): %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("chain: %s outcome unknown: %v", e.Op, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

// FailureKind classifies unknown outcomes as RemoteUnknown.
func (e *UnknownOutcomeError) FailureKind() failure.Kind { return failure.KindRemoteUnknown }

// ErrorMessage extracts the message stored on a FAILED record.
func ErrorMessage(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		if codes := rej.Codes(); codes != "" {
			return codes
		}
		return rej.Detail
	}
	return err.Error()
}
