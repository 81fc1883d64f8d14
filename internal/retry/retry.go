// Package retry re-runs local bookkeeping writes with exponential backoff.
//
// It is meant for steps that must eventually succeed once value has already
// moved on the ledger, such as recording a settlement or refreshing a cached
// balance. It is never used around a ledger submission itself.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rentvault/rentvault/internal/failure"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Retryable reports whether err is worth another attempt. Validation,
// conflict and not-found failures will not change on retry.
func Retryable(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch failure.KindOf(err) {
	case failure.KindValidation, failure.KindConflict, failure.KindNotFound, failure.KindConfiguration:
		return false
	}
	return true
}

// Do calls fn up to maxAttempts times. The delay starts at baseDelay and
// doubles per attempt with +-25% jitter. It returns the last error, the
// unwrapped permanent error, or ctx.Err() if ctx ends while waiting.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if !Retryable(err) || attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}

func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64((binary.LittleEndian.Uint64(b[:]) >> 1) % uint64(n)) //nolint:gosec // n > 0
}
