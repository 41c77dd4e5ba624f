package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"gigverify/internal/verification/models"
	"gigverify/internal/verification/stats"
	dErrors "gigverify/pkg/domain-errors"
)

var validate = validator.New()

// DecisionRequest is the body of every transition endpoint. Whether a reason
// is required is a transition guard, not a request validation rule.
type DecisionRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=200"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

func (r *DecisionRequest) Normalize() {
	r.Reason = trimmed(r.Reason)
	r.Notes = trimmed(r.Notes)
}

// trimmed strips surrounding whitespace; blank text reads as absent.
func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func (r *DecisionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "reason must be at most 200 characters and notes at most 2000")
	}
	return nil
}

// auditQuery holds the raw /audit query parameters.
type auditQuery struct {
	EntityType string `validate:"omitempty,oneof=store gig"`
	EntityID   string `validate:"omitempty,max=128"`
	VerifierID string `validate:"omitempty,max=128"`
	Action     string `validate:"omitempty,oneof=approved rejected requested_reupload blocked unblocked overridden"`
}

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	raw := auditQuery{
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		VerifierID: q.Get("verifierId"),
		Action:     q.Get("action"),
	}
	if err := validate.Struct(raw); err != nil {
		return models.AuditFilter{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid audit filter")
	}
	w, err := parseWindow(r)
	if err != nil {
		return models.AuditFilter{}, err
	}
	return models.AuditFilter{
		EntityType: models.Role(raw.EntityType),
		EntityID:   raw.EntityID,
		VerifierID: raw.VerifierID,
		Action:     models.Action(raw.Action),
		StartDate:  w.Start,
		EndDate:    w.End,
	}, nil
}

// parseWindow reads startDate and endDate as RFC 3339 timestamps.
func parseWindow(r *http.Request) (stats.Window, error) {
	var w stats.Window
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"startDate", &w.Start},
		{"endDate", &w.End},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return stats.Window{}, dErrors.New(dErrors.CodeBadRequest, p.name+" must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}
	if w.Start != nil && w.End != nil && w.End.Before(*w.Start) {
		return stats.Window{}, dErrors.New(dErrors.CodeInvalidInput, "endDate must not precede startDate")
	}
	return w, nil
}

// decisionInput combines the body with the If-Match and Idempotency-Key headers.
func decisionInput(r *http.Request, body DecisionRequest) (models.DecisionInput, error) {
	in := models.DecisionInput{Reason: body.Reason, Notes: body.Notes}

	if v := strings.Trim(strings.TrimPrefix(r.Header.Get("If-Match"), "W/"), `"`); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil || version <= 0 {
			return in, dErrors.New(dErrors.CodeBadRequest, "If-Match must carry the entity version")
		}
		in.ExpectedVersion = version
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > 128 {
		return in, dErrors.New(dErrors.CodeBadRequest, "Idempotency-Key must be at most 128 characters")
	}
	in.IdempotencyKey = key
	return in, nil
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}
