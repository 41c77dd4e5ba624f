package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gigverify/internal/platform/middleware"
	"gigverify/internal/verification/documents"
	"gigverify/internal/verification/models"
	"gigverify/internal/verification/sla"
	"gigverify/internal/verification/stats"
	dErrors "gigverify/pkg/domain-errors"
	"gigverify/pkg/platform/httputil"
	"gigverify/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service,StatsService

// Service is the verification state machine and read surface.
type Service interface {
	Approve(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error)
	Reject(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error)
	RequestReupload(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error)
	Block(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error)
	Unblock(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error)
	GetEntity(ctx context.Context, ref models.EntityRef) (*models.Entity, error)
	ListEntities(ctx context.Context, role models.Role) ([]*models.Entity, error)
	QueryAudit(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error)
	Retention(ctx context.Context) (*models.Retention, error)
}

// StatsService derives verifier performance from the ledger.
type StatsService interface {
	StatsFor(ctx context.Context, verifierID string, w stats.Window) (*stats.VerifierStats, error)
	StatsForAll(ctx context.Context, w stats.Window) ([]stats.VerifierStats, error)
	Platform(ctx context.Context, w stats.Window) (*stats.PlatformStats, error)
}

// Handler serves the verification HTTP API.
type Handler struct {
	service      Service
	stats        StatsService
	sla          *sla.Calculator
	jwtValidator middleware.JWTValidator
	logger       *slog.Logger
}

func New(service Service, statsService StatsService, calc *sla.Calculator, jwtValidator middleware.JWTValidator, logger *slog.Logger) *Handler {
	return &Handler{
		service:      service,
		stats:        statsService,
		sla:          calc,
		jwtValidator: jwtValidator,
		logger:       logger,
	}
}

// Register registers the verification routes. Every route requires a
// verifier bearer token.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireVerifier(h.jwtValidator, h.logger))

		r.Get("/entities", h.handleListEntities)
		r.Get("/entities/{role}/{id}", h.handleGetEntity)
		r.Post("/entities/{role}/{id}/approve", h.transition(h.service.Approve))
		r.Post("/entities/{role}/{id}/reject", h.transition(h.service.Reject))
		r.Post("/entities/{role}/{id}/request-reupload", h.transition(h.service.RequestReupload))
		r.Post("/entities/{role}/{id}/block", h.transition(h.service.Block))
		r.Post("/entities/{role}/{id}/unblock", h.transition(h.service.Unblock))

		r.Get("/audit", h.handleQueryAudit)
		r.Get("/audit/retention", h.handleRetention)

		r.Get("/stats/verifiers", h.handleStatsForAll)
		r.Get("/stats/verifiers/{verifierId}", h.handleStatsFor)
		r.Get("/stats/platform", h.handlePlatformStats)

		r.Get("/sla/queue", h.handleQueue)
		r.Get("/sla/{role}/{id}", h.handleAge)
	})
}

type transitionFunc func(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error)

func (h *Handler) transition(op transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ref, err := entityRef(r)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		var body DecisionRequest
		if err := httputil.DecodeJSON(r, &body); err != nil {
			h.logger.WarnContext(ctx, "invalid decision request",
				"error", err,
				"request_id", middleware.GetRequestID(ctx),
			)
			httputil.WriteError(w, err)
			return
		}
		body.Normalize()
		if err := body.Validate(); err != nil {
			httputil.WriteError(w, err)
			return
		}
		in, err := decisionInput(r, body)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		decision, err := op(ctx, ref, verifierFrom(ctx), in)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		w.Header().Set("ETag", etag(decision.Entity.Version))
		httputil.WriteJSON(w, http.StatusOK, decision)
	}
}

type entityResponse struct {
	*models.Entity
	Completeness documents.Report `json:"completeness"`
	SLA          *sla.Assessment  `json:"sla,omitempty"`
}

func (h *Handler) describe(ctx context.Context, e *models.Entity) entityResponse {
	resp := entityResponse{Entity: e, Completeness: documents.ForEntity(e)}
	if e.IsPending() {
		if a, err := h.sla.Assess(e, requestcontext.Now(ctx)); err == nil {
			resp.SLA = a
		}
	}
	return resp
}

func (h *Handler) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.service.ListEntities(ctx, models.Role(r.URL.Query().Get("role")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]entityResponse, 0, len(list))
	for _, e := range list {
		out = append(out, h.describe(ctx, e))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entities": out})
}

func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	e, err := h.service.GetEntity(r.Context(), ref)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("ETag", etag(e.Version))
	httputil.WriteJSON(w, http.StatusOK, h.describe(r.Context(), e))
}

func (h *Handler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.service.QueryAudit(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleRetention(w http.ResponseWriter, r *http.Request) {
	ret, err := h.service.Retention(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ret)
}

func (h *Handler) handleStatsForAll(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	all, err := h.stats.StatsForAll(r.Context(), win)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"verifiers": all, "window": win})
}

func (h *Handler) handleStatsFor(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s, err := h.stats.StatsFor(r.Context(), chi.URLParam(r, "verifierId"), win)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.stats.Platform(r.Context(), win)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) handleAge(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	e, err := h.service.GetEntity(r.Context(), ref)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	a, err := h.sla.Assess(e, requestcontext.Now(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

type queueResponse struct {
	Thresholds sla.Thresholds   `json:"thresholds"`
	Counts     map[sla.Tier]int `json:"counts"`
	Entries    []sla.Assessment `json:"entries"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListEntities(r.Context(), models.Role(r.URL.Query().Get("role")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	queue := h.sla.Queue(list, requestcontext.Now(r.Context()))
	httputil.WriteJSON(w, http.StatusOK, queueResponse{
		Thresholds: h.sla.Thresholds(),
		Counts:     sla.CountByTier(queue),
		Entries:    queue,
	})
}

func entityRef(r *http.Request) (models.EntityRef, error) {
	role, err := models.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		return models.EntityRef{}, err
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		return models.EntityRef{}, dErrors.New(dErrors.CodeInvalidInput, "entity id is required")
	}
	return models.EntityRef{Role: role, ID: id}, nil
}

func verifierFrom(ctx context.Context) models.Verifier {
	claims := middleware.GetVerifier(ctx)
	if claims == nil {
		return models.Verifier{}
	}
	return models.Verifier{ID: claims.VerifierID, Name: claims.VerifierName}
}
