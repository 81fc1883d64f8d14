package failure

import "net/http"

// HTTPStatus maps err to a response status and a stable error code.
// RemoteUnknown is 202: the request was accepted but its outcome is pending.
func HTTPStatus(err error) (int, string) {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest, "validation_error"
	case KindNotFound:
		return http.StatusNotFound, "not_found"
	case KindConflict:
		return http.StatusConflict, "conflict"
	case KindRemoteRejected:
		return http.StatusUnprocessableEntity, "ledger_rejected"
	case KindRemoteUnknown:
		return http.StatusAccepted, "outcome_pending"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
