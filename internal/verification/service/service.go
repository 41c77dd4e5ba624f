// Package service implements the verification state machine: guarded
// transitions on an entity, each recorded as one audit ledger entry.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gigverify/internal/verification/documents"
	"gigverify/internal/verification/metrics"
	"gigverify/internal/verification/models"
	dErrors "gigverify/pkg/domain-errors"
	"gigverify/pkg/platform/sentinel"
	"gigverify/pkg/requestcontext"
)

// EntityStore is the entity registry contract.
type EntityStore interface {
	Get(ctx context.Context, ref models.EntityRef) (*models.Entity, error)
	List(ctx context.Context, role models.Role) ([]*models.Entity, error)
	Update(ctx context.Context, e *models.Entity, expectedVersion int64) (*models.Entity, error)
}

// Ledger is the audit ledger contract. Append returns sentinel.ErrDuplicate
// together with the earlier entry when the idempotency key was already used.
type Ledger interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) (*models.AuditLogEntry, error)
	Query(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.AuditLogEntry, error)
	Retention(ctx context.Context) (*models.Retention, error)
}

// maxAttempts bounds re-runs after a concurrent write when the caller did not
// pin a version.
const maxAttempts = 3

// Service orchestrates verification transitions.
type Service struct {
	entities EntityStore
	ledger   Ledger
	tx       Tx
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func(ctx context.Context) time.Time
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTx replaces the default per-entity lock, e.g. with NewSQLTx when both
// stores are PostgreSQL.
func WithTx(tx Tx) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

// WithClock fixes the transition time source. By default the request time
// from requestcontext is used.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = func(context.Context) time.Time { return now() }
	}
}

// New constructs a Service.
func New(entities EntityStore, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		entities: entities,
		ledger:   ledger,
		logger:   slog.Default(),
		tracer:   otel.Tracer("gigverify/verification"),
		now:      requestcontext.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = NewShardedTx()
	}
	return s
}

// Approve marks a pending entity verified. Every required document must be
// uploaded at the moment of approval.
func (s *Service) Approve(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error) {
	return s.transition(ctx, ref, verifier, in, models.ActionApproved,
		func(e *models.Entity) error { return e.CanApprove(documents.ForEntity(e).HasAllDocuments) },
		(*models.Entity).ApplyApproval,
	)
}

// Reject marks a pending entity rejected. The reason must be one of the
// supported rejection reasons.
func (s *Service) Reject(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error) {
	return s.transition(ctx, ref, verifier, in, models.ActionRejected,
		func(e *models.Entity) error { return e.CanReject(deref(in.Reason)) },
		(*models.Entity).ApplyRejection,
	)
}

// RequestReupload records that the entity must resubmit a document. The
// verification status is left unchanged.
func (s *Service) RequestReupload(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error) {
	return s.transition(ctx, ref, verifier, in, models.ActionRequestedReupload,
		func(e *models.Entity) error { return e.CanRequestReupload(deref(in.Reason)) },
		(*models.Entity).ApplyReuploadRequest,
	)
}

// Block suspends the account regardless of verification status.
func (s *Service) Block(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error) {
	return s.transition(ctx, ref, verifier, in, models.ActionBlocked,
		func(e *models.Entity) error { return e.CanBlock(deref(in.Reason)) },
		(*models.Entity).ApplyBlock,
	)
}

// Unblock reactivates a blocked account. The reason is optional.
func (s *Service) Unblock(ctx context.Context, ref models.EntityRef, verifier models.Verifier, in models.DecisionInput) (*models.Decision, error) {
	return s.transition(ctx, ref, verifier, in, models.ActionUnblocked,
		func(e *models.Entity) error { return e.CanUnblock() },
		(*models.Entity).ApplyUnblock,
	)
}

// GetEntity returns one entity from the registry.
func (s *Service) GetEntity(ctx context.Context, ref models.EntityRef) (*models.Entity, error) {
	if !ref.Role.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "role must be one of: store, gig")
	}
	e, err := s.entities.Get(ctx, ref)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load entity")
	}
	return e, nil
}

// ListEntities returns entities of role, or all entities when role is empty.
func (s *Service) ListEntities(ctx context.Context, role models.Role) ([]*models.Entity, error) {
	if role != "" && !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "role must be one of: store, gig")
	}
	list, err := s.entities.List(ctx, role)
	if err != nil {
		return nil, translateStoreErr(err, "failed to list entities")
	}
	return list, nil
}

// QueryAudit returns ledger entries matching filter, newest first.
func (s *Service) QueryAudit(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	page, err := s.ledger.Query(ctx, filter)
	if err != nil {
		return nil, translateStoreErr(err, "failed to query audit log")
	}
	return page, nil
}

// Retention reports the ledger's retention state and refreshes its gauges.
func (s *Service) Retention(ctx context.Context) (*models.Retention, error) {
	r, err := s.ledger.Retention(ctx)
	if err != nil {
		return nil, translateStoreErr(err, "failed to read ledger retention")
	}
	s.metrics.SetRetention(r.Retained, r.Dropped)
	return r, nil
}

type guardFunc func(e *models.Entity) error

type applyFunc func(e *models.Entity, now time.Time)

// errRetry marks a lost compare-and-swap on the entity inside a transaction.
var errRetry = errors.New("entity changed during transition")

// replayError aborts a transaction whose idempotency key was recorded by a
// concurrent request, carrying that request's entry.
type replayError struct {
	entry *models.AuditLogEntry
}

func (e *replayError) Error() string { return "idempotency key already recorded" }

func (s *Service) transition(
	ctx context.Context,
	ref models.EntityRef,
	verifier models.Verifier,
	in models.DecisionInput,
	action models.Action,
	guard guardFunc,
	apply applyFunc,
) (*models.Decision, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "verification."+string(action), trace.WithAttributes(
		attribute.String("entity.type", string(ref.Role)),
		attribute.String("entity.id", ref.ID),
		attribute.String("verifier.id", verifier.ID),
	))
	defer span.End()

	decision, err := s.runTransition(ctx, ref, verifier, in, action, guard, apply)
	outcome := outcomeOf(decision, err)
	s.metrics.ObserveTransition(string(action), outcome, start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logFailure(ctx, ref, verifier, action, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("replayed", decision.Replayed))
	s.logger.InfoContext(ctx, "verification transition",
		"entity_type", ref.Role,
		"entity_id", ref.ID,
		"action", action,
		"verifier_id", verifier.ID,
		"entry_id", decision.Entry.ID,
		"version", decision.Entity.Version,
		"replayed", decision.Replayed,
		"request_id", requestcontext.RequestID(ctx),
	)
	return decision, nil
}

func (s *Service) runTransition(
	ctx context.Context,
	ref models.EntityRef,
	verifier models.Verifier,
	in models.DecisionInput,
	action models.Action,
	guard guardFunc,
	apply applyFunc,
) (*models.Decision, error) {
	if err := verifier.Validate(); err != nil {
		return nil, err
	}
	if !ref.Role.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "role must be one of: store, gig")
	}

	if in.IdempotencyKey != "" {
		decision, err := s.replay(ctx, ref, action, in.IdempotencyKey)
		if err != nil || decision != nil {
			return decision, err
		}
	}

	for attempt := 1; ; attempt++ {
		var decision *models.Decision
		err := s.tx.RunInTx(ctx, ref, func(ctx context.Context) error {
			d, err := s.attempt(ctx, ref, verifier, in, action, guard, apply)
			decision = d
			return err
		})

		var replay *replayError
		switch {
		case err == nil:
			return decision, nil
		case errors.As(err, &replay):
			return s.replayed(ctx, ref, action, replay.entry)
		case errors.Is(err, errRetry) && in.ExpectedVersion == 0 && attempt < maxAttempts:
			s.metrics.IncConflictRetry()
			continue
		case errors.Is(err, errRetry):
			return nil, dErrors.New(dErrors.CodeConcurrentModification, "entity was modified by another decision; reload and retry")
		default:
			return nil, translateStoreErr(err, "failed to record decision")
		}
	}
}

// attempt runs one guarded transition inside the transaction boundary.
func (s *Service) attempt(
	ctx context.Context,
	ref models.EntityRef,
	verifier models.Verifier,
	in models.DecisionInput,
	action models.Action,
	guard guardFunc,
	apply applyFunc,
) (*models.Decision, error) {
	// Repeated under the entity lock: a request with the same key may have
	// committed since the unlocked lookup in runTransition.
	if in.IdempotencyKey != "" {
		prior, err := s.ledger.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			return nil, &replayError{entry: prior}
		case !errors.Is(err, sentinel.ErrNotFound):
			return nil, translateStoreErr(err, "failed to look up idempotency key")
		}
	}

	current, err := s.entities.Get(ctx, ref)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load entity")
	}
	if in.ExpectedVersion != 0 && current.Version != in.ExpectedVersion {
		return nil, dErrors.New(dErrors.CodeConcurrentModification, "entity version does not match; reload and retry")
	}
	if err := guard(current); err != nil {
		return nil, err
	}

	now := s.now(ctx)
	next := current.Clone()
	apply(next, now)

	updated, err := s.entities.Update(ctx, next, current.Version)
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, errRetry
	}
	if err != nil {
		return nil, translateStoreErr(err, "failed to update entity")
	}

	entry := models.NewAuditLogEntry(ref, action, verifier, in.Reason, in.Notes)
	entry.Timestamp = now
	entry.IdempotencyKey = in.IdempotencyKey
	stored, err := s.ledger.Append(ctx, entry)
	if err != nil {
		if !s.tx.Atomic() {
			if cerr := s.compensate(ctx, current, updated); cerr != nil {
				return nil, cerr
			}
		}
		if errors.Is(err, sentinel.ErrDuplicate) && stored != nil {
			return nil, &replayError{entry: stored}
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to append audit entry; entity unchanged")
	}
	return &models.Decision{Entity: updated, Entry: stored}, nil
}

// compensate restores the entity state read before the transition.
func (s *Service) compensate(ctx context.Context, before, written *models.Entity) error {
	restore := before.Clone()
	_, err := s.entities.Update(ctx, restore, written.Version)
	s.metrics.IncCompensation(err == nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to restore entity after ledger append failure",
			"entity_type", before.Role,
			"entity_id", before.ID,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "ledger append failed and entity restore failed")
	}
	return nil
}

// replay returns the decision recorded under key, or nil when the key is unused.
func (s *Service) replay(ctx context.Context, ref models.EntityRef, action models.Action, key string) (*models.Decision, error) {
	entry, err := s.ledger.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateStoreErr(err, "failed to look up idempotency key")
	}
	return s.replayed(ctx, ref, action, entry)
}

func (s *Service) replayed(ctx context.Context, ref models.EntityRef, action models.Action, entry *models.AuditLogEntry) (*models.Decision, error) {
	if entry.EntityType != ref.Role || entry.EntityID != ref.ID || entry.Action != action {
		return nil, dErrors.New(dErrors.CodeConflict, "idempotency key was already used for a different decision")
	}
	e, err := s.entities.Get(ctx, ref)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load entity")
	}
	return &models.Decision{Entity: e, Entry: entry, Replayed: true}, nil
}

func (s *Service) logFailure(ctx context.Context, ref models.EntityRef, verifier models.Verifier, action models.Action, err error) {
	args := []any{
		"entity_type", ref.Role,
		"entity_id", ref.ID,
		"action", action,
		"verifier_id", verifier.ID,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeStorageFailure, dErrors.CodeInternal:
		s.logger.ErrorContext(ctx, "verification transition failed", args...)
	case dErrors.CodeGuardViolation:
		s.logger.WarnContext(ctx, "verification transition refused", append(args, "guard", models.GuardOf(err))...)
	default:
		s.logger.WarnContext(ctx, "verification transition rejected", args...)
	}
}

// translateStoreErr maps store sentinels to domain errors. Errors that are
// already coded pass through.
func translateStoreErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "entity not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConcurrentModification, "entity was modified by another decision; reload and retry")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, msg)
	}
}

func outcomeOf(d *models.Decision, err error) string {
	if err == nil {
		if d.Replayed {
			return metrics.OutcomeReplayed
		}
		return metrics.OutcomeCommitted
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeGuardViolation:
		return metrics.OutcomeGuardViolation
	case dErrors.CodeConcurrentModification, dErrors.CodeConflict:
		return metrics.OutcomeConflict
	case dErrors.CodeNotFound:
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeFailed
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
