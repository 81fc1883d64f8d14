// Package failure classifies errors raised by the settlement engine.
//
// Every package declares its sentinels with New so callers can match them
// with errors.Is and classify any wrapped error with KindOf:
//
//	Validation      bad input, nothing happened
//	Conflict        duplicate or already-terminal state, nothing to compensate
//	NotFound        the referenced record does not exist
//	RemoteRejected  the ledger network refused the transaction, funds never moved
//	RemoteUnknown   transport failure, outcome must be confirmed by a status query
//	Configuration   missing key material or unsupported settings
package failure

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindRemoteRejected
	KindRemoteUnknown
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindRemoteUnknown:
		return "remote_unknown"
	case KindConfiguration:
		return "configuration"
	}
	return "internal"
}

// Error is a classified error. Sentinels are *Error values, so errors.Is
// compares by identity.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// FailureKind reports the kind of e.
func (e *Error) FailureKind() Kind { return e.Kind }

// Kinded is implemented by errors that carry their own classification,
// such as the ledger client's rejection and unknown-outcome errors.
type Kinded interface {
	FailureKind() Kind
}

// New returns a classified error with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validationf builds a validation failure from a format string.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict failure from a format string.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.FailureKind()
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
