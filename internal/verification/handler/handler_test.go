package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	jwttoken "gigverify/internal/jwt_token"
	"gigverify/internal/verification/handler/mocks"
	"gigverify/internal/verification/models"
	"gigverify/internal/verification/sla"
	"gigverify/internal/verification/stats"
	dErrors "gigverify/pkg/domain-errors"
	"gigverify/pkg/testutil"
)

var (
	pinnedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	priya     = models.Verifier{ID: "v1", Name: "Priya"}
	storeRef  = models.EntityRef{Role: models.RoleStore, ID: "store_003"}
)

type HandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	stats   *mocks.MockStatsService
	router  chi.Router
	token   string
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.stats = mocks.NewMockStatsService(ctrl)

	tokens := jwttoken.NewService("test-signing-key", "gigverify-test")
	token, err := tokens.IssueVerifierToken(priya.ID, priya.Name, time.Hour)
	s.Require().NoError(err)
	s.token = token

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(s.service, s.stats, sla.NewCalculator(sla.DefaultThresholds()), jwttoken.NewServiceAdapter(tokens), logger)
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	req = testutil.AtTime(testutil.WithBearer(req, s.token), pinnedNow)
	return testutil.DoRequest(s.router, req)
}

func pendingStore(age time.Duration) *models.Entity {
	e := models.NewEntity(storeRef, pinnedNow.Add(-age))
	e.Name = "FreshMart Andheri"
	return e
}

func decisionFor(e *models.Entity, action models.Action) *models.Decision {
	entry := models.NewAuditLogEntry(e.Ref(), action, priya, nil, nil)
	entry.ID = "entry-1"
	entry.Timestamp = pinnedNow
	return &models.Decision{Entity: e, Entry: entry}
}

func (s *HandlerSuite) TestMissingTokenIsUnauthorized() {
	for _, path := range []string{"/entities", "/audit", "/stats/platform", "/sla/queue"} {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, path, nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
	}

	req := testutil.WithBearer(testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/store/store_003/approve", nil), "not-a-jwt")
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
}

func (s *HandlerSuite) TestApprove() {
	s.Run("passes verifier and headers through", func() {
		approved := pendingStore(30 * time.Hour)
		approved.ApplyApproval(pinnedNow)
		approved.Version = 2
		s.service.EXPECT().Approve(gomock.Any(), storeRef, priya, models.DecisionInput{
			ExpectedVersion: 1,
			IdempotencyKey:  "retry-1",
		}).Return(decisionFor(approved, models.ActionApproved), nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/store/store_003/approve", nil)
		req.Header.Set("If-Match", `W/"1"`)
		req.Header.Set("Idempotency-Key", "retry-1")
		rr := s.do(req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		s.Equal(`"2"`, rr.Header().Get("ETag"))
		resp := testutil.UnmarshalResponse[models.Decision](s.T(), rr)
		s.Equal(models.VerificationVerified, resp.Entity.VerificationStatus)
		s.Equal(models.ActionApproved, resp.Entry.Action)
		s.Equal("Priya", resp.Entry.VerifierName)
	})

	s.Run("guard violation names the guard", func() {
		s.service.EXPECT().Approve(gomock.Any(), storeRef, priya, gomock.Any()).
			Return(nil, dErrors.Wrap(models.ErrDocumentsIncomplete, dErrors.CodeGuardViolation, models.ErrDocumentsIncomplete.Error()))

		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/store/store_003/approve", nil))

		testutil.AssertStatus(s.T(), rr, http.StatusUnprocessableEntity)
		body := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal(string(dErrors.CodeGuardViolation), body["error"])
		s.Equal("documents_incomplete", body["guard"])
	})
}

func (s *HandlerSuite) TestServiceErrorStatuses() {
	cases := []struct {
		name   string
		err    error
		status int
		code   dErrors.Code
	}{
		{"not found", dErrors.New(dErrors.CodeNotFound, "entity not found"), http.StatusNotFound, dErrors.CodeNotFound},
		{"stale version", dErrors.New(dErrors.CodeConcurrentModification, "entity was modified"), http.StatusConflict, dErrors.CodeConcurrentModification},
		{"idempotency conflict", dErrors.New(dErrors.CodeConflict, "key reused"), http.StatusConflict, dErrors.CodeConflict},
		{"storage", dErrors.New(dErrors.CodeStorageFailure, "ledger unavailable"), http.StatusServiceUnavailable, dErrors.CodeStorageFailure},
		{"timeout", dErrors.New(dErrors.CodeTimeout, "lock wait"), http.StatusGatewayTimeout, dErrors.CodeTimeout},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.service.EXPECT().Block(gomock.Any(), storeRef, priya, gomock.Any()).Return(nil, tc.err)

			req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/store/store_003/block", map[string]string{"reason": "fraud"})
			rr := s.do(req)

			testutil.AssertStatusAndError(s.T(), rr, tc.status, string(tc.code))
		})
	}
}

func (s *HandlerSuite) TestRejectNormalizesReason() {
	reason := "BLURRY_DOCUMENT"
	notes := "PAN photo is unreadable"
	rejected := pendingStore(time.Hour)
	rejected.ApplyRejection(pinnedNow)
	s.service.EXPECT().Reject(gomock.Any(), storeRef, priya, models.DecisionInput{
		Reason: &reason,
		Notes:  &notes,
	}).Return(decisionFor(rejected, models.ActionRejected), nil)

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/store/store_003/reject", map[string]string{
		"reason": "  BLURRY_DOCUMENT ",
		"notes":  notes,
	})
	rr := s.do(req)

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
}

func (s *HandlerSuite) TestBlankReasonAndNotesAreOmitted() {
	s.service.EXPECT().Unblock(gomock.Any(), storeRef, priya, models.DecisionInput{}).
		Return(decisionFor(pendingStore(time.Hour), models.ActionUnblocked), nil)

	req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/entities/store/store_003/unblock", `{"reason":"   ","notes":" "}`)
	rr := s.do(req)

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
}

func (s *HandlerSuite) TestTransitionRequestValidation() {
	cases := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		code    dErrors.Code
	}{
		{"unknown role", "/entities/driver/d1/approve", "", nil, dErrors.CodeInvalidInput},
		{"unknown body field", "/entities/store/store_003/reject", `{"reason":"FAKE","extra":true}`, nil, dErrors.CodeBadRequest},
		{"malformed body", "/entities/store/store_003/reject", `{"reason":`, nil, dErrors.CodeBadRequest},
		{"reason too long", "/entities/store/store_003/reject", `{"reason":"` + strings.Repeat("x", 201) + `"}`, nil, dErrors.CodeValidation},
		{"non-numeric If-Match", "/entities/store/store_003/approve", "", map[string]string{"If-Match": `"abc"`}, dErrors.CodeBadRequest},
		{"zero If-Match", "/entities/store/store_003/approve", "", map[string]string{"If-Match": `"0"`}, dErrors.CodeBadRequest},
		{"oversized Idempotency-Key", "/entities/store/store_003/approve", "", map[string]string{"Idempotency-Key": strings.Repeat("k", 129)}, dErrors.CodeBadRequest},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := testutil.NewRequestWithBody(s.T(), http.MethodPost, tc.path, tc.body)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := s.do(req)

			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(tc.code))
		})
	}
}

func (s *HandlerSuite) TestGetEntity() {
	s.service.EXPECT().GetEntity(gomock.Any(), storeRef).Return(pendingStore(30*time.Hour), nil)

	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/entities/store/store_003", nil))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	s.Equal(`"1"`, rr.Header().Get("ETag"))
	resp := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
	body := *resp
	s.Equal("store_003", body["id"])
	s.Equal("pending", body["verificationStatus"])
	require.Contains(s.T(), body, "completeness")
	require.Contains(s.T(), body, "sla")
	slaView := body["sla"].(map[string]any)
	s.Equal("critical", slaView["tier"])
}

func (s *HandlerSuite) TestListEntitiesPassesRole() {
	s.service.EXPECT().ListEntities(gomock.Any(), models.RoleGig).Return([]*models.Entity{}, nil)

	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/entities?role=gig", nil))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[map[string][]any](s.T(), rr)
	s.Empty((*resp)["entities"])
}

func (s *HandlerSuite) TestQueryAudit() {
	s.Run("builds the filter", func() {
		start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)
		s.service.EXPECT().QueryAudit(gomock.Any(), models.AuditFilter{
			EntityType: models.RoleStore,
			VerifierID: "v1",
			Action:     models.ActionRejected,
			StartDate:  &start,
			EndDate:    &end,
		}).Return(&models.AuditPage{Entries: []*models.AuditLogEntry{}, Truncated: true}, nil)

		path := "/audit?entityType=store&verifierId=v1&action=rejected&startDate=2025-03-01T00:00:00Z&endDate=2025-03-31T23:59:59Z"
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, path, nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		page := testutil.UnmarshalResponse[models.AuditPage](s.T(), rr)
		s.True(page.Truncated)
	})

	s.Run("rejects bad parameters", func() {
		cases := map[string]dErrors.Code{
			"/audit?action=deleted":                                               dErrors.CodeValidation,
			"/audit?entityType=driver":                                            dErrors.CodeValidation,
			"/audit?startDate=yesterday":                                          dErrors.CodeBadRequest,
			"/audit?startDate=2025-03-02T00:00:00Z&endDate=2025-03-01T00:00:00Z": dErrors.CodeInvalidInput,
		}
		for path, code := range cases {
			rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, path, nil))
			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(code))
		}
	})
}

func (s *HandlerSuite) TestRetention() {
	s.service.EXPECT().Retention(gomock.Any()).Return(&models.Retention{MaxEntries: 10, Retained: 10, Dropped: 4}, nil)

	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/audit/retention", nil))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	ret := testutil.UnmarshalResponse[models.Retention](s.T(), rr)
	s.Equal(int64(4), ret.Dropped)
}

func (s *HandlerSuite) TestStats() {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	s.Run("single verifier", func() {
		s.stats.EXPECT().StatsFor(gomock.Any(), "v1", stats.Window{Start: &start}).
			Return(&stats.VerifierStats{VerifierID: "v1", VerifierName: "Priya", TotalReviewed: 4, Approved: 3, ApprovalRate: 75}, nil)

		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/stats/verifiers/v1?startDate=2025-03-01T00:00:00Z", nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		got := testutil.UnmarshalResponse[stats.VerifierStats](s.T(), rr)
		s.Equal(75.0, got.ApprovalRate)
	})

	s.Run("all verifiers", func() {
		s.stats.EXPECT().StatsForAll(gomock.Any(), stats.Window{}).
			Return([]stats.VerifierStats{{VerifierID: "v1"}, {VerifierID: "v2"}}, nil)

		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/stats/verifiers", nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		got := testutil.UnmarshalResponse[struct {
			Verifiers []stats.VerifierStats `json:"verifiers"`
		}](s.T(), rr)
		s.Len(got.Verifiers, 2)
	})

	s.Run("platform", func() {
		s.stats.EXPECT().Platform(gomock.Any(), stats.Window{}).
			Return(&stats.PlatformStats{TotalReviewed: 2, Blocked: 1, ActiveVerifiers: 1}, nil)

		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/stats/platform", nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		got := testutil.UnmarshalResponse[stats.PlatformStats](s.T(), rr)
		s.Equal(1, got.Blocked)
	})

	s.Run("bad window never reaches the aggregator", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/stats/platform?endDate=soon", nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})
}

func (s *HandlerSuite) TestSLAAge() {
	s.Run("reports the tier at request time", func() {
		s.service.EXPECT().GetEntity(gomock.Any(), storeRef).Return(pendingStore(30*time.Hour), nil)

		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/sla/store/store_003", nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		a := testutil.UnmarshalResponse[sla.Assessment](s.T(), rr)
		s.Equal(sla.TierCritical, a.Tier)
		s.Equal("1d 6h", a.Age.Formatted)
		s.Equal(1, a.Age.Days)
		s.Equal(6, a.Age.Hours)
	})

	s.Run("decided entities have no SLA", func() {
		e := pendingStore(30 * time.Hour)
		e.ApplyApproval(pinnedNow)
		s.service.EXPECT().GetEntity(gomock.Any(), storeRef).Return(e, nil)

		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/sla/store/store_003", nil))

		testutil.AssertStatus(s.T(), rr, http.StatusUnprocessableEntity)
		s.Equal("not_pending", testutil.UnmarshalErrorResponse(s.T(), rr)["guard"])
	})
}

func (s *HandlerSuite) TestSLAQueue() {
	young := models.NewEntity(models.EntityRef{Role: models.RoleGig, ID: "gig_002"}, pinnedNow.Add(-2*time.Hour))
	mid := models.NewEntity(models.EntityRef{Role: models.RoleStore, ID: "store_001"}, pinnedNow.Add(-10*time.Hour))
	old := pendingStore(52 * time.Hour)
	done := models.NewEntity(models.EntityRef{Role: models.RoleGig, ID: "gig_009"}, pinnedNow.Add(-100*time.Hour))
	done.ApplyRejection(pinnedNow)
	s.service.EXPECT().ListEntities(gomock.Any(), models.Role("")).Return([]*models.Entity{young, done, old, mid}, nil)

	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodGet, "/sla/queue", nil))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[struct {
		Thresholds map[string]string `json:"thresholds"`
		Counts     map[string]int    `json:"counts"`
		Entries    []sla.Assessment  `json:"entries"`
	}](s.T(), rr)
	s.Equal("8h0m0s", resp.Thresholds["warningAfter"])
	s.Equal(map[string]int{"ok": 1, "warning": 1, "critical": 1}, resp.Counts)
	require.Len(s.T(), resp.Entries, 3)
	assert.Equal(s.T(), "store_003", resp.Entries[0].Entity.ID, "oldest first")
	assert.Equal(s.T(), "gig_002", resp.Entries[2].Entity.ID)
}
