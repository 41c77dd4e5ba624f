package models

import (
	dErrors "gigverify/pkg/domain-errors"
)

// Role identifies which side of the marketplace an entity belongs to.
// It alone determines the required document list.
type Role string

const (
	RoleStore Role = "store"
	RoleGig   Role = "gig"
)

var validRoles = map[Role]bool{
	RoleStore: true,
	RoleGig:   true,
}

// ParseRole constructs a Role from external input.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	}
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "role must be one of: store, gig")
	}
	return r, nil
}

func (r Role) IsValid() bool { return validRoles[r] }

func (r Role) String() string { return string(r) }

// VerificationStatus tracks whether an entity's documents were accepted.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// IsTerminal reports whether no verifier action can leave this status.
func (s VerificationStatus) IsTerminal() bool {
	return s == VerificationVerified || s == VerificationRejected
}

// AccountStatus is orthogonal to VerificationStatus.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountBlocked AccountStatus = "blocked"
)

// Action is the kind of decision recorded in the audit ledger.
type Action string

const (
	ActionApproved          Action = "approved"
	ActionRejected          Action = "rejected"
	ActionRequestedReupload Action = "requested_reupload"
	ActionBlocked           Action = "blocked"
	ActionUnblocked         Action = "unblocked"
	ActionOverridden        Action = "overridden"
)

var validActions = map[Action]bool{
	ActionApproved:          true,
	ActionRejected:          true,
	ActionRequestedReupload: true,
	ActionBlocked:           true,
	ActionUnblocked:         true,
	ActionOverridden:        true,
}

// ParseAction constructs an Action from external input.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !validActions[a] {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported audit action: "+s)
	}
	return a, nil
}

func (a Action) IsValid() bool { return validActions[a] }

// RejectionReason is the closed set of reasons a verifier may reject with.
type RejectionReason string

const (
	ReasonBlurryDocument RejectionReason = "BLURRY_DOCUMENT"
	ReasonMismatch       RejectionReason = "MISMATCH"
	ReasonExpired        RejectionReason = "EXPIRED"
	ReasonIncomplete     RejectionReason = "INCOMPLETE"
	ReasonFake           RejectionReason = "FAKE"
	ReasonPoorQuality    RejectionReason = "POOR_QUALITY"
	ReasonInvalidFormat  RejectionReason = "INVALID_FORMAT"
	ReasonMissingInfo    RejectionReason = "MISSING_INFO"
)

// RejectionReasons lists the supported reasons in display order.
var RejectionReasons = []RejectionReason{
	ReasonBlurryDocument,
	ReasonMismatch,
	ReasonExpired,
	ReasonIncomplete,
	ReasonFake,
	ReasonPoorQuality,
	ReasonInvalidFormat,
	ReasonMissingInfo,
}

func (r RejectionReason) IsValid() bool {
	for _, known := range RejectionReasons {
		if r == known {
			return true
		}
	}
	return false
}
