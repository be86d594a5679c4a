package queue

import "errors"

// ErrorMessage is the wire shape for admission and validation errors,
// ported from remiges-tech-alya's wscutils package so a future HTTP
// layer can render queue errors without re-deriving error codes.
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   string   `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"`
}

// BuildErrorMessage constructs an ErrorMessage from a message id, error
// code, the offending field (empty when the error isn't field-scoped),
// and any values the caller wants surfaced alongside it.
func BuildErrorMessage(msgID int, errCode string, field string, vals ...string) ErrorMessage {
	return ErrorMessage{MsgID: msgID, ErrCode: errCode, Field: field, Vals: vals}
}

// Message ids and error codes for the queue package's sentinel errors.
// These are stable identifiers a caller can switch on without string
// matching error.Error().
const (
	MsgIDUserHasActiveJob = 1001
	MsgIDInvalidJobID     = 1002
	MsgIDJobNotFound      = 1003
	MsgIDInvalidPriority  = 1004

	ErrCodeUserHasActiveJob = "active_job_exists"
	ErrCodeInvalidJobID     = "invalid_job_id"
	ErrCodeJobNotFound      = "not_found"
	ErrCodeInvalidPriority  = "invalid_priority"
)

// AsErrorMessage maps one of the queue package's sentinel errors to its
// wire ErrorMessage. It reports false for errors it doesn't recognize,
// so callers can fall back to a generic response.
func AsErrorMessage(err error) (ErrorMessage, bool) {
	switch {
	case errors.Is(err, ErrUserHasActiveJob):
		return BuildErrorMessage(MsgIDUserHasActiveJob, ErrCodeUserHasActiveJob, "user_id"), true
	case errors.Is(err, ErrInvalidJobID):
		return BuildErrorMessage(MsgIDInvalidJobID, ErrCodeInvalidJobID, "job_id"), true
	case errors.Is(err, ErrJobNotFound):
		return BuildErrorMessage(MsgIDJobNotFound, ErrCodeJobNotFound, "job_id"), true
	case errors.Is(err, ErrInvalidPriority):
		return BuildErrorMessage(MsgIDInvalidPriority, ErrCodeInvalidPriority, "priority"), true
	default:
		return ErrorMessage{}, false
	}
}
