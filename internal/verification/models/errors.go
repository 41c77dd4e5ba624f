package models

import (
	"errors"

	dErrors "gigverify/pkg/domain-errors"
)

// GuardError names a transition guard that refused an operation. Guard
// violations are expected outcomes: callers re-prompt the verifier.
type GuardError struct {
	guard   string
	message string
}

func (e *GuardError) Error() string { return e.message }

// Guard returns the machine-readable guard name.
func (e *GuardError) Guard() string { return e.guard }

var (
	ErrDocumentsIncomplete = &GuardError{"documents_incomplete", "all required documents must be uploaded before approval"}
	ErrReasonRequired      = &GuardError{"reason_required", "a reason is required for this action"}
	ErrInvalidReason       = &GuardError{"invalid_reason", "reason must be one of the supported rejection reasons"}
	ErrNotPending          = &GuardError{"not_pending", "entity is not pending verification"}
	ErrAlreadyBlocked      = &GuardError{"already_blocked", "account is already blocked"}
	ErrNotBlocked          = &GuardError{"not_blocked", "account is not blocked"}
)

func guardViolation(g *GuardError) error {
	return dErrors.Wrap(g, dErrors.CodeGuardViolation, g.message)
}

// GuardOf returns the guard name carried by err, or "" if err is not a guard violation.
func GuardOf(err error) string {
	var g *GuardError
	if errors.As(err, &g) {
		return g.guard
	}
	return ""
}
