package httptransport

//go:generate mockgen -source=router.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	consentModels "tally/internal/consent/models"
	ledgerModels "tally/internal/ledger/models"
	"tally/internal/platform/metrics"
	"tally/internal/profile"
	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/circuit"
	authmw "tally/pkg/platform/middleware/auth"
	request "tally/pkg/platform/middleware/request"
	"tally/pkg/platform/middleware/requesttime"
	"tally/pkg/platform/ttlcache"
)

// requestTimeout bounds every /v1 request. It exceeds a full retry cycle
// against a slow store so handlers see the service's own error first.
const requestTimeout = 60 * time.Second

// LedgerService is the balance ledger as the ops API uses it.
type LedgerService interface {
	GetOrCreate(ctx context.Context, subject id.SubjectID) (*ledgerModels.Record, error)
	ApplyDelta(ctx context.Context, subject id.SubjectID, delta int64, opts ledgerModels.DeltaOptions) (*ledgerModels.DeltaResult, error)
	SetLabels(ctx context.Context, subject id.SubjectID, rank, path, performedBy string) error
	Erase(ctx context.Context, subject id.SubjectID, performedBy string) (*ledgerModels.EraseResult, error)
	CacheStats() ttlcache.Stats
}

// AuditHistory reads the audit trail.
type AuditHistory interface {
	History(ctx context.Context, subject id.SubjectID, limit int) ([]audit.Record, error)
	Dropped() uint64
}

// ConsentService manages opt-in records.
type ConsentService interface {
	Grant(ctx context.Context, subject id.SubjectID, basis id.LegalBasis, performedBy string) (*consentModels.ConsentRecord, error)
	Withdraw(ctx context.Context, subject id.SubjectID, performedBy string) (*consentModels.ConsentRecord, error)
	Get(ctx context.Context, subject id.SubjectID) (*consentModels.ConsentRecord, error)
	Erase(ctx context.Context, subject id.SubjectID) error
}

// ProfileFetcher looks up external game profiles.
type ProfileFetcher interface {
	Fetch(ctx context.Context, id string) (*profile.Profile, error)
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the router serves. Profiles may be nil when no
// profile API is configured.
type Deps struct {
	Ledger    LedgerService
	Audit     AuditHistory
	Consent   ConsentService
	Profiles  ProfileFetcher
	Breakers  []*circuit.Breaker
	Health    []HealthCheck
	Metrics   *metrics.Registry
	Validator authmw.JWTValidator
	Logger    *slog.Logger
}

// Handler is the thin HTTP layer. It delegates to domain services without
// embedding business logic so transport concerns remain isolated.
type Handler struct {
	Deps
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{Deps: deps}
}

// NewRouter wires all endpoints. /healthz and /metrics are open; everything
// under /v1 except status needs an operator token.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(h.Logger))
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(h.Logger))
	if h.Metrics != nil {
		r.Use(request.Metrics(h.Metrics.HTTPRequests, h.Metrics.HTTPDuration))
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	r.Get("/healthz", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeout(requestTimeout))
		r.Get("/status", h.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireAuth(h.Validator, "operator", h.Logger))

			r.Get("/ledger/{subjectID}", h.handleGetBalance)
			r.Post("/ledger/{subjectID}/delta", h.handleApplyDelta)
			r.Put("/ledger/{subjectID}/labels", h.handleSetLabels)

			r.Get("/audit/{subjectID}", h.handleAuditHistory)
			r.Delete("/subjects/{subjectID}", h.handleEraseSubject)

			r.Get("/consent/{subjectID}", h.handleGetConsent)
			r.Put("/consent/{subjectID}", h.handleGrantConsent)
			r.Delete("/consent/{subjectID}", h.handleWithdrawConsent)

			r.Get("/profiles/{profileID}", h.handleGetProfile)
		})
	})
	return r
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
