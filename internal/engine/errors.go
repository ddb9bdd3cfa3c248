package engine

import "fmt"

// Conflict codes. Losing a race surfaces the generic "conflict": the
// caller cannot tell "taken" from "expired" without a fresh read.
const (
	CodeConflict       = "conflict"
	CodeNotListed      = "not_listed"
	CodeLimitExceeded  = "limit_exceeded"
	CodeExpired        = "expired"
	CodeIneligible     = "ineligible"
	CodeMaxExtensions  = "max_extensions"
	CodeDonorBlocked   = "donor_blocked"
	CodeAlreadyIssued  = "already_issued"
	CodeAlreadySettled = "already_settled"
	CodeReturnPending  = "return_pending"
)

// ValidationError is a malformed or missing input. Nothing was applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError is a lost race or a state that refuses the operation.
// Recoverable by re-querying, never auto-retried here.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func conflict(code, format string, args ...any) *ConflictError {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}
