package anchor

import "strings"

// Status is the local state of an anchor transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// IsTerminal reports whether no further progress is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// externalStatuses maps the anchor's status vocabulary onto local statuses.
var externalStatuses = map[string]Status{
	"incomplete":                     StatusPending,
	"pending_user_transfer_start":    StatusPending,
	"pending_user":                   StatusPending,
	"pending_trust":                  StatusPending,
	"pending_user_transfer_complete": StatusProcessing,
	"pending_external":               StatusProcessing,
	"pending_anchor":                 StatusProcessing,
	"pending_stellar":                StatusProcessing,
	"completed":                      StatusCompleted,
	"refunded":                       StatusRefunded,
	"expired":                        StatusFailed,
	"error":                          StatusFailed,
	"no_market":                      StatusFailed,
	"too_small":                      StatusFailed,
	"too_large":                      StatusFailed,
}

// MapExternalStatus translates an anchor status. Anything unrecognized is
// PENDING, never COMPLETED.
func MapExternalStatus(external string) Status {
	if s, ok := externalStatuses[strings.ToLower(strings.TrimSpace(external))]; ok {
		return s
	}
	return StatusPending
}

// ExternalStatuses lists the recognized anchor vocabulary.
func ExternalStatuses() []string {
	out := make([]string, 0, len(externalStatuses))
	for k := range externalStatuses {
		out = append(out, k)
	}
	return out
}

// canMove reports whether a record in from may take status to. Terminal
// records stay put, except that a completed transfer may later be refunded.
func canMove(from, to Status) bool {
	if from == to {
		return false
	}
	if !from.IsTerminal() {
		return true
	}
	return from == StatusCompleted && to == StatusRefunded
}
