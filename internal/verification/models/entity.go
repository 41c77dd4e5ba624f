package models

import (
	"maps"
	"strings"
	"time"
)

// DocumentUpload is the upload state of one required document.
// SizeBytes and PayloadRef are present only when the registry knows them.
type DocumentUpload struct {
	Uploaded   bool    `json:"uploaded"`
	SizeBytes  *int64  `json:"sizeBytes,omitempty"`
	PayloadRef *string `json:"payloadRef,omitempty"`
}

// EntityRef addresses an entity. IDs are unique within a role only.
type EntityRef struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string { return string(r.Role) + "/" + r.ID }

// Entity is a store or gig worker subject to verification.
//
// Invariants:
//   - Role is store or gig and never changes
//   - RegisteredAt is immutable after registration
//   - VerificationStatus moves pending → verified | rejected only
//   - AccountStatus toggles active ⇄ blocked independently of verification
//   - Version increases by one on every committed write
//   - required documents are derived from Role, never stored on the entity
//
// Entities are never deleted; rejection and blocking are statuses.
type Entity struct {
	ID                 string                    `json:"id"`
	Role               Role                      `json:"role"`
	Name               string                    `json:"name,omitempty"`
	Email              string                    `json:"email,omitempty"`
	Phone              string                    `json:"phone,omitempty"`
	VerificationStatus VerificationStatus        `json:"verificationStatus"`
	AccountStatus      AccountStatus             `json:"accountStatus"`
	RegisteredAt       time.Time                 `json:"registeredAt"`
	Documents          map[string]DocumentUpload `json:"documents"`
	Version            int64                     `json:"version"`
	UpdatedAt          time.Time                 `json:"updatedAt"`
}

// NewEntity registers a pending, active entity.
func NewEntity(ref EntityRef, registeredAt time.Time) *Entity {
	return &Entity{
		ID:                 ref.ID,
		Role:               ref.Role,
		VerificationStatus: VerificationPending,
		AccountStatus:      AccountActive,
		RegisteredAt:       registeredAt,
		Documents:          map[string]DocumentUpload{},
		Version:            1,
		UpdatedAt:          registeredAt,
	}
}

func (e *Entity) Ref() EntityRef { return EntityRef{Role: e.Role, ID: e.ID} }

func (e *Entity) IsPending() bool { return e.VerificationStatus == VerificationPending }

func (e *Entity) IsBlocked() bool { return e.AccountStatus == AccountBlocked }

// Clone returns a deep copy so callers can mutate without touching stored state.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Documents = maps.Clone(e.Documents)
	if c.Documents == nil {
		c.Documents = map[string]DocumentUpload{}
	}
	return &c
}

// CanApprove checks the approval guards. hasAllDocuments must come from the
// completeness evaluator at the moment of approval.
func (e *Entity) CanApprove(hasAllDocuments bool) error {
	if !e.IsPending() {
		return guardViolation(ErrNotPending)
	}
	if !hasAllDocuments {
		return guardViolation(ErrDocumentsIncomplete)
	}
	return nil
}

// ApplyApproval marks the entity verified. Call CanApprove first.
func (e *Entity) ApplyApproval(now time.Time) {
	e.VerificationStatus = VerificationVerified
	e.UpdatedAt = now
}

// CanReject checks the rejection guards.
func (e *Entity) CanReject(reason string) error {
	if !e.IsPending() {
		return guardViolation(ErrNotPending)
	}
	if strings.TrimSpace(reason) == "" {
		return guardViolation(ErrReasonRequired)
	}
	if !RejectionReason(reason).IsValid() {
		return guardViolation(ErrInvalidReason)
	}
	return nil
}

// ApplyRejection marks the entity rejected. Call CanReject first.
func (e *Entity) ApplyRejection(now time.Time) {
	e.VerificationStatus = VerificationRejected
	e.UpdatedAt = now
}

// CanRequestReupload checks the re-upload guards. The entity stays pending so
// it is not auto-rejected while correcting an upload.
func (e *Entity) CanRequestReupload(reason string) error {
	if !e.IsPending() {
		return guardViolation(ErrNotPending)
	}
	if strings.TrimSpace(reason) == "" {
		return guardViolation(ErrReasonRequired)
	}
	return nil
}

// ApplyReuploadRequest records the time of the request; status is unchanged.
func (e *Entity) ApplyReuploadRequest(now time.Time) {
	e.UpdatedAt = now
}

// CanBlock checks the block guards. Blocking is allowed in any verification status.
func (e *Entity) CanBlock(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return guardViolation(ErrReasonRequired)
	}
	if e.IsBlocked() {
		return guardViolation(ErrAlreadyBlocked)
	}
	return nil
}

func (e *Entity) ApplyBlock(now time.Time) {
	e.AccountStatus = AccountBlocked
	e.UpdatedAt = now
}

func (e *Entity) CanUnblock() error {
	if !e.IsBlocked() {
		return guardViolation(ErrNotBlocked)
	}
	return nil
}

func (e *Entity) ApplyUnblock(now time.Time) {
	e.AccountStatus = AccountActive
	e.UpdatedAt = now
}
