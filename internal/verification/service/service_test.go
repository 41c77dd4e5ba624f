package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gigverify/internal/verification/models"
	"gigverify/internal/verification/store/entity"
	"gigverify/internal/verification/store/ledger"
	dErrors "gigverify/pkg/domain-errors"
	"gigverify/pkg/platform/sentinel"
)

var (
	storeOne   = models.EntityRef{Role: models.RoleStore, ID: "store_001"}
	gigTwo     = models.EntityRef{Role: models.RoleGig, ID: "gig_002"}
	storeThree = models.EntityRef{Role: models.RoleStore, ID: "store_003"}
	gigFour    = models.EntityRef{Role: models.RoleGig, ID: "gig_004"}

	priya = models.Verifier{ID: "v1", Name: "Priya"}
)

// flakyLedger fails appends while failing is set.
type flakyLedger struct {
	*ledger.InMemory
	mu      sync.Mutex
	failing bool
}

func (l *flakyLedger) setFailing(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = v
}

func (l *flakyLedger) Append(ctx context.Context, e *models.AuditLogEntry) (*models.AuditLogEntry, error) {
	l.mu.Lock()
	failing := l.failing
	l.mu.Unlock()
	if failing {
		return nil, fmt.Errorf("write audit log: %w", sentinel.ErrUnavailable)
	}
	return l.InMemory.Append(ctx, e)
}

// barrierLedger holds the first two idempotency lookups until both have
// run, so two retries of one request race past the unlocked lookup.
type barrierLedger struct {
	*ledger.InMemory
	arrived sync.WaitGroup
	calls   atomic.Int32
}

func newBarrierLedger() *barrierLedger {
	l := &barrierLedger{InMemory: ledger.NewInMemory()}
	l.arrived.Add(2)
	return l
}

func (l *barrierLedger) FindByIdempotencyKey(ctx context.Context, key string) (*models.AuditLogEntry, error) {
	entry, err := l.InMemory.FindByIdempotencyKey(ctx, key)
	if l.calls.Add(1) <= 2 {
		l.arrived.Done()
		l.arrived.Wait()
	}
	return entry, err
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	entities *entity.InMemory
	ledger   *flakyLedger
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.entities = entity.NewInMemory()
	_, err := entity.SeedDemo(s.ctx, s.entities, s.now)
	s.Require().NoError(err)
	s.ledger = &flakyLedger{InMemory: ledger.NewInMemory()}
	s.service = New(s.entities, s.ledger, WithClock(func() time.Time { return s.now }))
}

func (s *ServiceSuite) entries() []*models.AuditLogEntry {
	page, err := s.ledger.Query(s.ctx, models.AuditFilter{})
	s.Require().NoError(err)
	return page.Entries
}

func (s *ServiceSuite) entity(ref models.EntityRef) *models.Entity {
	e, err := s.entities.Get(s.ctx, ref)
	s.Require().NoError(err)
	return e
}

func (s *ServiceSuite) requireGuard(err error, guard *models.GuardError) {
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeGuardViolation), "got %v", err)
	s.ErrorIs(err, guard)
}

func reason(r string) models.DecisionInput {
	return models.DecisionInput{Reason: models.StringPtr(r)}
}

func (s *ServiceSuite) TestApprove() {
	s.Run("incomplete documents are refused and nothing is written", func() {
		_, err := s.service.Approve(s.ctx, storeOne, priya, models.DecisionInput{})
		s.requireGuard(err, models.ErrDocumentsIncomplete)
		s.Equal("all required documents must be uploaded before approval", dErrors.MessageOf(err))
		s.Equal(models.VerificationPending, s.entity(storeOne).VerificationStatus)
		s.Empty(s.entries())
	})

	s.Run("complete pending entity is verified with one ledger entry", func() {
		d, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
		s.Require().NoError(err)
		s.Equal(models.VerificationVerified, d.Entity.VerificationStatus)
		s.Equal(int64(2), d.Entity.Version)
		s.False(d.Replayed)

		entries := s.entries()
		s.Require().Len(entries, 1)
		s.Equal(models.ActionApproved, entries[0].Action)
		s.Equal("gig_002", entries[0].EntityID)
		s.Equal(models.RoleGig, entries[0].EntityType)
		s.Equal("Priya", entries[0].VerifierName)
		s.Equal(s.now, entries[0].Timestamp)
	})

	s.Run("terminal entity cannot be approved again", func() {
		_, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
		s.requireGuard(err, models.ErrNotPending)
		s.Len(s.entries(), 1)
	})
}

func (s *ServiceSuite) TestReject() {
	s.Run("reason is required", func() {
		_, err := s.service.Reject(s.ctx, storeThree, priya, models.DecisionInput{})
		s.requireGuard(err, models.ErrReasonRequired)
	})

	s.Run("reason must come from the closed set", func() {
		_, err := s.service.Reject(s.ctx, storeThree, priya, reason("LOOKS_OFF"))
		s.requireGuard(err, models.ErrInvalidReason)
	})

	s.Run("pending entity is rejected with reason and notes", func() {
		in := models.DecisionInput{
			Reason: models.StringPtr("EXPIRED"),
			Notes:  models.StringPtr("ID card expired 2023"),
		}
		d, err := s.service.Reject(s.ctx, storeThree, priya, in)
		s.Require().NoError(err)
		s.Equal(models.VerificationRejected, d.Entity.VerificationStatus)
		s.Equal(models.ActionRejected, d.Entry.Action)
		s.Require().NotNil(d.Entry.Reason)
		s.Equal("EXPIRED", *d.Entry.Reason)
		s.Require().NotNil(d.Entry.Notes)
		s.Equal("ID card expired 2023", *d.Entry.Notes)
	})

	s.Run("rejected entity cannot be rejected again", func() {
		_, err := s.service.Reject(s.ctx, storeThree, priya, reason("EXPIRED"))
		s.requireGuard(err, models.ErrNotPending)
		s.Len(s.entries(), 1)
	})
}

func (s *ServiceSuite) TestRequestReuploadKeepsEntityPending() {
	_, err := s.service.RequestReupload(s.ctx, storeOne, priya, models.DecisionInput{})
	s.requireGuard(err, models.ErrReasonRequired)

	d, err := s.service.RequestReupload(s.ctx, storeOne, priya, reason("BLURRY_DOCUMENT"))
	s.Require().NoError(err)
	s.Equal(models.VerificationPending, d.Entity.VerificationStatus)
	s.Equal(models.ActionRequestedReupload, d.Entry.Action)

	d, err = s.service.RequestReupload(s.ctx, storeOne, priya, reason("shop license photo is cropped"))
	s.Require().NoError(err, "free-text reasons are accepted for re-upload requests")
	s.Len(s.entries(), 2)
}

func (s *ServiceSuite) TestBlockAndUnblockAreOrthogonalToVerification() {
	_, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.Require().NoError(err)

	_, err = s.service.Block(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.requireGuard(err, models.ErrReasonRequired)

	d, err := s.service.Block(s.ctx, gigTwo, priya, reason("customer complaints"))
	s.Require().NoError(err)
	s.Equal(models.AccountBlocked, d.Entity.AccountStatus)
	s.Equal(models.VerificationVerified, d.Entity.VerificationStatus)

	_, err = s.service.Block(s.ctx, gigTwo, priya, reason("again"))
	s.requireGuard(err, models.ErrAlreadyBlocked)

	d, err = s.service.Unblock(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.Require().NoError(err, "unblock reason is optional")
	s.Equal(models.AccountActive, d.Entity.AccountStatus)
	s.Nil(d.Entry.Reason)

	_, err = s.service.Unblock(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.requireGuard(err, models.ErrNotBlocked)

	s.Len(s.entries(), 3)
}

func (s *ServiceSuite) TestInputErrors() {
	s.Run("unknown entity", func() {
		_, err := s.service.Approve(s.ctx, models.EntityRef{Role: models.RoleGig, ID: "ghost"}, priya, models.DecisionInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("ids are scoped by role", func() {
		_, err := s.service.Approve(s.ctx, models.EntityRef{Role: models.RoleStore, ID: "gig_002"}, priya, models.DecisionInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("verifier identity is required", func() {
		_, err := s.service.Approve(s.ctx, gigTwo, models.Verifier{}, models.DecisionInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("invalid role", func() {
		_, err := s.service.Block(s.ctx, models.EntityRef{Role: "admin", ID: "x"}, priya, reason("x"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Empty(s.entries())
}

func (s *ServiceSuite) TestExpectedVersion() {
	s.Run("stale version fails fast", func() {
		_, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{ExpectedVersion: 7})
		s.True(dErrors.HasCode(err, dErrors.CodeConcurrentModification))
		s.Equal(models.VerificationPending, s.entity(gigTwo).VerificationStatus)
	})

	s.Run("current version commits", func() {
		d, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{ExpectedVersion: 1})
		s.Require().NoError(err)
		s.Equal(int64(2), d.Entity.Version)
	})
}

func (s *ServiceSuite) TestIdempotencyKey() {
	in := models.DecisionInput{Reason: models.StringPtr("fraud report"), IdempotencyKey: "req-42"}

	first, err := s.service.Block(s.ctx, gigFour, priya, in)
	s.Require().NoError(err)
	s.False(first.Replayed)

	again, err := s.service.Block(s.ctx, gigFour, priya, in)
	s.Require().NoError(err, "a retried request is not an already-blocked guard failure")
	s.True(again.Replayed)
	s.Equal(first.Entry.ID, again.Entry.ID)
	s.Equal(first.Entity.Version, again.Entity.Version)
	s.Len(s.entries(), 1)

	_, err = s.service.Block(s.ctx, storeOne, priya, in)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "key reused for another entity")
}

func (s *ServiceSuite) TestLedgerFailureLeavesEntityUnchanged() {
	s.ledger.setFailing(true)

	_, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))
	s.ErrorIs(err, sentinel.ErrUnavailable)

	e := s.entity(gigTwo)
	s.Equal(models.VerificationPending, e.VerificationStatus)
	s.Empty(s.entries())

	s.ledger.setFailing(false)
	d, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.Require().NoError(err, "the transition can be retried once storage recovers")
	s.Equal(models.VerificationVerified, d.Entity.VerificationStatus)
	s.Len(s.entries(), 1)
}

func (s *ServiceSuite) TestConcurrentApprovalsRecordOneDecision() {
	const verifiers = 10
	var wg sync.WaitGroup
	errs := make([]error, verifiers)
	for i := range verifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := models.Verifier{ID: fmt.Sprintf("v%d", i), Name: "Verifier"}
			_, errs[i] = s.service.Approve(s.ctx, gigTwo, v, models.DecisionInput{})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		s.True(errors.Is(err, models.ErrNotPending), "got %v", err)
	}
	s.Equal(1, succeeded)
	s.Len(s.entries(), 1)
}

func (s *ServiceSuite) TestConcurrentRetryWithSameKeyReplays() {
	l := newBarrierLedger()
	svc := New(s.entities, l, WithClock(func() time.Time { return s.now }))

	var wg sync.WaitGroup
	decisions := make([]*models.Decision, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i], errs[i] = svc.Approve(s.ctx, gigTwo, priya, models.DecisionInput{IdempotencyKey: "retry-1"})
		}()
	}
	wg.Wait()

	s.Require().NoError(errs[0])
	s.Require().NoError(errs[1], "a retry that lost the race replays the committed decision")
	s.NotEqual(decisions[0].Replayed, decisions[1].Replayed)
	s.Equal(decisions[0].Entry.ID, decisions[1].Entry.ID)

	page, err := l.Query(s.ctx, models.AuditFilter{})
	s.Require().NoError(err)
	s.Len(page.Entries, 1)
}

func (s *ServiceSuite) TestRequestReuploadRequiresPendingEntity() {
	_, err := s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.Require().NoError(err)

	_, err = s.service.RequestReupload(s.ctx, gigTwo, priya, reason("BLURRY_DOCUMENT"))
	s.requireGuard(err, models.ErrNotPending)
	s.Equal(models.VerificationVerified, s.entity(gigTwo).VerificationStatus)
	s.Len(s.entries(), 1)
}

func (s *ServiceSuite) TestReadSurface() {
	all, err := s.service.ListEntities(s.ctx, "")
	s.Require().NoError(err)
	s.Len(all, 4)

	_, err = s.service.ListEntities(s.ctx, "admin")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = s.service.Approve(s.ctx, gigTwo, priya, models.DecisionInput{})
	s.Require().NoError(err)
	_, err = s.service.Block(s.ctx, storeOne, models.Verifier{ID: "v2", Name: "Arjun"}, reason("spam"))
	s.Require().NoError(err)

	page, err := s.service.QueryAudit(s.ctx, models.AuditFilter{VerifierID: "v2"})
	s.Require().NoError(err)
	s.Require().Len(page.Entries, 1)
	s.Equal(models.ActionBlocked, page.Entries[0].Action)

	_, err = s.service.QueryAudit(s.ctx, models.AuditFilter{Action: "deleted"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	r, err := s.service.Retention(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, r.Retained)
}
