package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tally/internal/consent/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	audit "tally/pkg/platform/audit"
	"tally/pkg/platform/sentinel"
)

type Store interface {
	Save(ctx context.Context, record *models.ConsentRecord) error
	Find(ctx context.Context, subject id.SubjectID) (*models.ConsentRecord, error)
	Delete(ctx context.Context, subject id.SubjectID) error
}

// AuditEmitter records consent decisions.
type AuditEmitter interface {
	Emit(ctx context.Context, record audit.Record)
}

// Service persists consent decisions and answers whether a subject may have
// a balance tracked.
type Service struct {
	store   Store
	tx      ConsentStoreTx
	audit   AuditEmitter
	logger  *slog.Logger
	now     func() time.Time
	version string
}

type Option func(*Service)

func WithAuditEmitter(a AuditEmitter) Option {
	return func(s *Service) {
		s.audit = a
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithVersion sets the consent text version recorded on grants.
func WithVersion(v string) Option {
	return func(s *Service) {
		if v != "" {
			s.version = v
		}
	}
}

func WithTx(tx ConsentStoreTx) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		version: models.CurrentVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = NewShardedTx(store)
	}
	return s
}

// Grant records consent for subject. Granting again refreshes the date and
// version.
func (s *Service) Grant(ctx context.Context, subject id.SubjectID, basis id.LegalBasis, performedBy string) (*models.ConsentRecord, error) {
	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}
	if basis == "" {
		basis = id.LegalBasisConsent
	}
	if !basis.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid legal basis")
	}

	record := &models.ConsentRecord{
		SubjectID:    subject,
		ConsentGiven: true,
		Version:      s.version,
		LegalBasis:   basis,
		ConsentDate:  s.now(),
	}
	err := s.tx.RunInTx(ctx, subject, func(ctx context.Context, store Store) error {
		return store.Save(ctx, record)
	})
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to grant consent")
	}

	s.emit(ctx, record, audit.ActionConsentGranted, performedBy)
	return record, nil
}

// Withdraw marks the subject's consent as withdrawn.
func (s *Service) Withdraw(ctx context.Context, subject id.SubjectID, performedBy string) (*models.ConsentRecord, error) {
	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}

	var record *models.ConsentRecord
	err := s.tx.RunInTx(ctx, subject, func(ctx context.Context, store Store) error {
		existing, err := store.Find(ctx, subject)
		if err != nil {
			return err
		}
		existing.ConsentGiven = false
		existing.ConsentDate = s.now()
		record = existing
		return store.Save(ctx, existing)
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no consent recorded for subject")
	}
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to withdraw consent")
	}

	s.emit(ctx, record, audit.ActionConsentWithdrawn, performedBy)
	return record, nil
}

// HasConsent reports whether subject has an active grant. A subject with no
// record has not consented.
func (s *Service) HasConsent(ctx context.Context, subject id.SubjectID) (bool, error) {
	record, err := s.store.Find(ctx, subject)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.storeError(ctx, err, "failed to read consent")
	}
	return record.IsActive(), nil
}

func (s *Service) Get(ctx context.Context, subject id.SubjectID) (*models.ConsentRecord, error) {
	record, err := s.store.Find(ctx, subject)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no consent recorded for subject")
	}
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to read consent")
	}
	return record, nil
}

// Erase removes the subject's consent record as part of a data-deletion
// request.
func (s *Service) Erase(ctx context.Context, subject id.SubjectID) error {
	err := s.tx.RunInTx(ctx, subject, func(ctx context.Context, store Store) error {
		return store.Delete(ctx, subject)
	})
	if err != nil {
		return s.storeError(ctx, err, "failed to erase consent")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, record *models.ConsentRecord, action audit.Action, performedBy string) {
	if s.audit == nil {
		return
	}
	if performedBy == "" {
		performedBy = record.SubjectID.String()
	}
	s.audit.Emit(ctx, audit.Record{
		SubjectID:   record.SubjectID,
		Action:      action,
		DataType:    audit.DataTypeConsent,
		PerformedBy: performedBy,
		Details: map[string]any{
			"version":     record.Version,
			"legal_basis": record.LegalBasis.String(),
		},
	})
}

func (s *Service) storeError(ctx context.Context, err error, msg string) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	s.logger.ErrorContext(ctx, msg, "error", err)
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
