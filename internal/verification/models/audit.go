package models

import (
	"strings"
	"time"

	dErrors "gigverify/pkg/domain-errors"
)

// Verifier is the human reviewer behind a decision. It is passed explicitly
// into every transition and denormalized onto the ledger entry.
type Verifier struct {
	ID   string `json:"verifierId"`
	Name string `json:"verifierName"`
}

func (v Verifier) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "verifier identity is required")
	}
	return nil
}

// AuditLogEntry is one immutable verifier decision.
//
// Reason and Notes are pointers so that "absent" and "empty" survive a
// round trip through any persistence format.
type AuditLogEntry struct {
	ID             string    `json:"id"`
	EntityType     Role      `json:"entityType"`
	EntityID       string    `json:"entityId"`
	Action         Action    `json:"action"`
	VerifierID     string    `json:"verifierId"`
	VerifierName   string    `json:"verifierName"`
	Reason         *string   `json:"reason,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// NewAuditLogEntry builds an entry for a decision on entity. ID and Timestamp
// are left for the ledger to assign at append time.
func NewAuditLogEntry(ref EntityRef, action Action, verifier Verifier, reason, notes *string) *AuditLogEntry {
	return &AuditLogEntry{
		EntityType:   ref.Role,
		EntityID:     ref.ID,
		Action:       action,
		VerifierID:   verifier.ID,
		VerifierName: verifier.Name,
		Reason:       reason,
		Notes:        notes,
	}
}

// Clone copies the entry including its optional fields.
func (e *AuditLogEntry) Clone() *AuditLogEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Reason != nil {
		r := *e.Reason
		c.Reason = &r
	}
	if e.Notes != nil {
		n := *e.Notes
		c.Notes = &n
	}
	return &c
}

// AuditFilter selects ledger entries. Zero-valued fields do not filter;
// date bounds are inclusive.
type AuditFilter struct {
	EntityType Role       `json:"entityType,omitempty"`
	EntityID   string     `json:"entityId,omitempty"`
	VerifierID string     `json:"verifierId,omitempty"`
	Action     Action     `json:"action,omitempty"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
}

func (f AuditFilter) Validate() error {
	if f.EntityType != "" && !f.EntityType.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "entityType must be one of: store, gig")
	}
	if f.Action != "" && !f.Action.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "unsupported audit action: "+string(f.Action))
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return dErrors.New(dErrors.CodeInvalidInput, "endDate must not precede startDate")
	}
	return nil
}

// Matches reports whether entry satisfies every set field of the filter.
func (f AuditFilter) Matches(entry *AuditLogEntry) bool {
	if f.EntityType != "" && entry.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && entry.EntityID != f.EntityID {
		return false
	}
	if f.VerifierID != "" && entry.VerifierID != f.VerifierID {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.StartDate != nil && entry.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && entry.Timestamp.After(*f.EndDate) {
		return false
	}
	return true
}

// AuditPage is a query result, newest first. Truncated is set when the
// requested range reaches past the oldest entry still retained.
type AuditPage struct {
	Entries   []*AuditLogEntry `json:"entries"`
	Truncated bool             `json:"truncated"`
}

// Retention describes the ledger's bounded-retention state for operators.
type Retention struct {
	MaxEntries       int        `json:"maxEntries"`
	Retained         int        `json:"retained"`
	Dropped          int64      `json:"dropped"`
	OldestRetainedAt *time.Time `json:"oldestRetainedAt,omitempty"`
}

// Decision is the outcome of a committed transition.
type Decision struct {
	Entity *Entity        `json:"entity"`
	Entry  *AuditLogEntry `json:"entry"`
	// Replayed is true when an idempotency key matched an earlier decision
	// and nothing new was written.
	Replayed bool `json:"replayed,omitempty"`
}

// StringPtr returns nil for "", otherwise a pointer to s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DecisionInput carries the optional parts of a transition request.
//
// ExpectedVersion, when non-zero, must match the entity's current version or
// the transition fails with a concurrent-modification error. IdempotencyKey,
// when set, makes a retried request return the originally recorded decision.
type DecisionInput struct {
	Reason          *string
	Notes           *string
	ExpectedVersion int64
	IdempotencyKey  string
}
