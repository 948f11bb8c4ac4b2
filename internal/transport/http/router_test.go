package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	consentModels "tally/internal/consent/models"
	jwttoken "tally/internal/jwt_token"
	"tally/internal/ledger"
	ledgerModels "tally/internal/ledger/models"
	"tally/internal/platform/metrics"
	"tally/internal/profile"
	"tally/internal/transport/http/mocks"
	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/circuit"
	"tally/pkg/platform/sentinel"
	"tally/pkg/platform/ttlcache"
)

type RouterSuite struct {
	suite.Suite
	ledger   *mocks.MockLedgerService
	audit    *mocks.MockAuditHistory
	consent  *mocks.MockConsentService
	profiles *mocks.MockProfileFetcher
	breaker  *circuit.Breaker
	health   error
	registry *metrics.Registry
	router   http.Handler
	token    string
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.ledger = mocks.NewMockLedgerService(ctrl)
	s.audit = mocks.NewMockAuditHistory(ctrl)
	s.consent = mocks.NewMockConsentService(ctrl)
	s.profiles = mocks.NewMockProfileFetcher(ctrl)
	s.breaker = circuit.New("ledger_store", circuit.WithFailureThreshold(1))
	s.health = nil
	s.registry = metrics.New()

	jwtService := jwttoken.NewJWTService("test-key", "tally", "tally-ops")
	token, err := jwtService.GenerateAccessToken("mod-9", jwttoken.RoleOperator, time.Hour)
	s.Require().NoError(err)
	s.token = token

	s.router = NewRouter(NewHandler(Deps{
		Ledger:   s.ledger,
		Audit:    s.audit,
		Consent:  s.consent,
		Profiles: s.profiles,
		Breakers: []*circuit.Breaker{s.breaker},
		Health: []HealthCheck{{Name: "store", Check: func(context.Context) error {
			return s.health
		}}},
		Metrics:   s.registry,
		Validator: jwttoken.NewJWTServiceAdapter(jwtService),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}))
}

func (s *RouterSuite) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *RouterSuite) TestAuthRequired() {
	rec := s.do(http.MethodPost, "/v1/ledger/u1/delta", map[string]any{"delta": 5}, false)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.NotEmpty(rec.Header().Get("X-Request-ID"))
}

func (s *RouterSuite) TestGetBalance() {
	s.Run("returns the record", func() {
		s.ledger.EXPECT().GetOrCreate(gomock.Any(), id.SubjectID("u1")).
			Return(&ledgerModels.Record{ID: "u1", Balance: 12, SecondaryBalance: 12, RankLabel: "Gold"}, nil)

		rec := s.do(http.MethodGet, "/v1/ledger/u1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
		body := s.decode(rec)
		s.InDelta(12, body["balance"], 0)
		s.Equal("Gold", body["rank_label"])
	})

	s.Run("invalid subject id", func() {
		rec := s.do(http.MethodGet, "/v1/ledger/"+string(bytes.Repeat([]byte("x"), 65)), nil, true)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("invalid_input", s.decode(rec)["error"])
	})
}

func (s *RouterSuite) TestApplyDelta() {
	s.Run("performedBy is the token subject", func() {
		s.ledger.EXPECT().ApplyDelta(gomock.Any(), id.SubjectID("u1"), int64(50), ledgerModels.DeltaOptions{
			PerformedBy: "mod-9",
			Reason:      "event win",
		}).Return(&ledgerModels.DeltaResult{Before: 100, After: 150, Delta: 50}, nil)

		rec := s.do(http.MethodPost, "/v1/ledger/u1/delta", map[string]any{"delta": 50, "reason": "event win"}, true)
		s.Equal(http.StatusOK, rec.Code)
		body := s.decode(rec)
		s.InDelta(100, body["before"], 0)
		s.InDelta(150, body["after"], 0)
	})

	s.Run("missing delta", func() {
		rec := s.do(http.MethodPost, "/v1/ledger/u1/delta", map[string]any{"reason": "x"}, true)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("consent required", func() {
		s.ledger.EXPECT().ApplyDelta(gomock.Any(), id.SubjectID("u2"), int64(5), gomock.Any()).
			Return(nil, fmt.Errorf("apply delta: %w", ledger.ErrConsentRequired))

		rec := s.do(http.MethodPost, "/v1/ledger/u2/delta", map[string]any{"delta": 5}, true)
		s.Equal(http.StatusForbidden, rec.Code)
		s.Equal("consent_required", s.decode(rec)["error"])
	})

	s.Run("open breaker sets Retry-After", func() {
		open := &circuit.OpenError{Name: "ledger_store", Remaining: 41500 * time.Millisecond}
		s.ledger.EXPECT().ApplyDelta(gomock.Any(), id.SubjectID("u3"), int64(1), gomock.Any()).
			Return(nil, fmt.Errorf("apply delta: %w: %w", ledger.ErrStoreUnavailable, open))

		rec := s.do(http.MethodPost, "/v1/ledger/u3/delta", map[string]any{"delta": 1}, true)
		s.Equal(http.StatusServiceUnavailable, rec.Code)
		s.Equal("42", rec.Header().Get("Retry-After"))
		s.Equal("circuit_open", s.decode(rec)["error"])
	})

	s.Run("store unavailable hides the cause", func() {
		s.ledger.EXPECT().ApplyDelta(gomock.Any(), id.SubjectID("u4"), int64(1), gomock.Any()).
			Return(nil, fmt.Errorf("apply delta: %w: %w", ledger.ErrStoreUnavailable, sentinel.ErrUnavailable))

		rec := s.do(http.MethodPost, "/v1/ledger/u4/delta", map[string]any{"delta": 1}, true)
		s.Equal(http.StatusServiceUnavailable, rec.Code)
		body := s.decode(rec)
		s.Equal("unavailable", body["error"])
		s.NotContains(body, "error_description")
		s.Empty(rec.Header().Get("Retry-After"))
	})

	s.Run("record not found", func() {
		s.ledger.EXPECT().ApplyDelta(gomock.Any(), id.SubjectID("u5"), int64(1), gomock.Any()).
			Return(nil, fmt.Errorf("apply delta: %w: %w", ledger.ErrRecordNotFound, sentinel.ErrNotFound))

		rec := s.do(http.MethodPost, "/v1/ledger/u5/delta", map[string]any{"delta": 1}, true)
		s.Equal(http.StatusNotFound, rec.Code)
	})
}

func (s *RouterSuite) TestSetLabels() {
	s.ledger.EXPECT().SetLabels(gomock.Any(), id.SubjectID("u1"), "Gold", "Warrior", "mod-9").Return(nil)

	rec := s.do(http.MethodPut, "/v1/ledger/u1/labels", map[string]string{"rank": "Gold", "path": "Warrior"}, true)
	s.Equal(http.StatusNoContent, rec.Code)
}

func (s *RouterSuite) TestAuditHistory() {
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	s.Run("default limit", func() {
		s.audit.EXPECT().History(gomock.Any(), id.SubjectID("u1"), audit.DefaultHistoryLimit).Return([]audit.Record{{
			SubjectID:   "u1",
			Action:      audit.ActionBalanceAdjusted,
			DataType:    audit.DataTypeBalance,
			PerformedBy: "mod-9",
			Timestamp:   ts,
		}}, nil)

		rec := s.do(http.MethodGet, "/v1/audit/u1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
		records := s.decode(rec)["records"].([]any)
		s.Len(records, 1)
		s.Equal("balance_adjusted", records[0].(map[string]any)["action"])
	})

	s.Run("explicit limit", func() {
		s.audit.EXPECT().History(gomock.Any(), id.SubjectID("u1"), 5).Return(nil, nil)
		rec := s.do(http.MethodGet, "/v1/audit/u1?limit=5", nil, true)
		s.Equal(http.StatusOK, rec.Code)
	})

	s.Run("bad limit", func() {
		rec := s.do(http.MethodGet, "/v1/audit/u1?limit=0", nil, true)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *RouterSuite) TestEraseSubject() {
	s.Run("erases consent then ledger", func() {
		gomock.InOrder(
			s.consent.EXPECT().Erase(gomock.Any(), id.SubjectID("u1")).Return(nil),
			s.ledger.EXPECT().Erase(gomock.Any(), id.SubjectID("u1"), "mod-9").
				Return(&ledgerModels.EraseResult{RecordRemoved: true, AuditRecords: 4}, nil),
		)

		rec := s.do(http.MethodDelete, "/v1/subjects/u1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
		body := s.decode(rec)
		s.Equal(true, body["record_removed"])
		s.InDelta(4, body["audit_records"], 0)
	})

	s.Run("consent failure stops the erase", func() {
		s.consent.EXPECT().Erase(gomock.Any(), id.SubjectID("u2")).Return(errors.New("db down"))

		rec := s.do(http.MethodDelete, "/v1/subjects/u2", nil, true)
		s.Equal(http.StatusInternalServerError, rec.Code)
	})
}

func (s *RouterSuite) TestConsent() {
	record := &consentModels.ConsentRecord{SubjectID: "u1", ConsentGiven: true, Version: "2024-01", LegalBasis: id.LegalBasisConsent}

	s.Run("grant with empty body", func() {
		s.consent.EXPECT().Grant(gomock.Any(), id.SubjectID("u1"), id.LegalBasisConsent, "mod-9").Return(record, nil)
		rec := s.do(http.MethodPut, "/v1/consent/u1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(true, s.decode(rec)["consent_given"])
	})

	s.Run("grant with legal basis", func() {
		s.consent.EXPECT().Grant(gomock.Any(), id.SubjectID("u1"), id.LegalBasisContract, "mod-9").Return(record, nil)
		rec := s.do(http.MethodPut, "/v1/consent/u1", map[string]string{"legal_basis": "contract"}, true)
		s.Equal(http.StatusOK, rec.Code)
	})

	s.Run("invalid legal basis", func() {
		rec := s.do(http.MethodPut, "/v1/consent/u1", map[string]string{"legal_basis": "vibes"}, true)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("withdraw", func() {
		withdrawn := *record
		withdrawn.ConsentGiven = false
		s.consent.EXPECT().Withdraw(gomock.Any(), id.SubjectID("u1"), "mod-9").Return(&withdrawn, nil)
		rec := s.do(http.MethodDelete, "/v1/consent/u1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(false, s.decode(rec)["consent_given"])
	})

	s.Run("get", func() {
		s.consent.EXPECT().Get(gomock.Any(), id.SubjectID("u1")).Return(record, nil)
		rec := s.do(http.MethodGet, "/v1/consent/u1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
	})
}

func (s *RouterSuite) TestProfiles() {
	s.Run("found", func() {
		s.profiles.EXPECT().Fetch(gomock.Any(), "p1").Return(&profile.Profile{ID: "p1", DisplayName: "Nova"}, nil)
		rec := s.do(http.MethodGet, "/v1/profiles/p1", nil, true)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal("Nova", s.decode(rec)["display_name"])
	})

	s.Run("absent", func() {
		s.profiles.EXPECT().Fetch(gomock.Any(), "p2").Return(nil, fmt.Errorf("profile p2: %w", profile.ErrNotFound))
		rec := s.do(http.MethodGet, "/v1/profiles/p2", nil, true)
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("unavailable", func() {
		s.profiles.EXPECT().Fetch(gomock.Any(), "p3").Return(nil, fmt.Errorf("%w: %w", profile.ErrUnavailable, errors.New("502")))
		rec := s.do(http.MethodGet, "/v1/profiles/p3", nil, true)
		s.Equal(http.StatusServiceUnavailable, rec.Code)
	})
}

func (s *RouterSuite) TestStatus() {
	s.ledger.EXPECT().CacheStats().Return(ttlcache.Stats{Hits: 3, Misses: 1, Entries: 2, HitRate: 0.75})
	s.audit.EXPECT().Dropped().Return(uint64(7))
	_ = s.breaker.Execute(context.Background(), func(context.Context) error { return errors.New("down") })

	rec := s.do(http.MethodGet, "/v1/status", nil, false)
	s.Equal(http.StatusOK, rec.Code)
	body := s.decode(rec)
	s.InDelta(0.75, body["cache"].(map[string]any)["hit_rate"], 1e-9)
	s.InDelta(7, body["audit_dropped"], 0)
	breakers := body["breakers"].([]any)
	s.Require().Len(breakers, 1)
	s.Equal("open", breakers[0].(map[string]any)["state"])
}

func (s *RouterSuite) TestHealthz() {
	rec := s.do(http.MethodGet, "/healthz", nil, false)
	s.Equal(http.StatusOK, rec.Code)

	s.health = errors.New("connection refused")
	rec = s.do(http.MethodGet, "/healthz", nil, false)
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Equal("degraded", s.decode(rec)["status"])
}

func (s *RouterSuite) TestMetricsEndpoint() {
	_ = s.do(http.MethodGet, "/healthz", nil, false)

	rec := s.do(http.MethodGet, "/metrics", nil, false)
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "tally_http_requests_total")
	s.InDelta(1, testutil.ToFloat64(s.registry.HTTPRequests.WithLabelValues("/healthz", http.MethodGet, "200")), 0)
}
