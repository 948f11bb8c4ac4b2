//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	id "tally/pkg/domain"
	audit "tally/pkg/platform/audit"
	"tally/pkg/platform/audit/store/postgres"
	"tally/pkg/testutil/containers"
)

type AuditStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditStoreSuite))
}

func (s *AuditStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
}

func (s *AuditStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_records"))
}

func (s *AuditStoreSuite) appendAt(subject id.SubjectID, action audit.Action, at time.Time) audit.Record {
	r := audit.Record{
		ID:          uuid.New(),
		SubjectID:   subject,
		Action:      action,
		DataType:    audit.DataTypeBalance,
		PerformedBy: "system",
		Details:     map[string]any{"delta": float64(5)},
		Timestamp:   at,
	}
	s.Require().NoError(s.store.Append(context.Background(), r))
	return r
}

func (s *AuditStoreSuite) TestHistoryNewestFirst() {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.appendAt("user-1", audit.ActionRecordCreated, base)
	s.appendAt("user-1", audit.ActionBalanceAdjusted, base.Add(time.Minute))
	// Same timestamp as the previous record; insertion order breaks the tie.
	s.appendAt("user-1", audit.ActionLabelsChanged, base.Add(time.Minute))
	s.appendAt("user-2", audit.ActionConsentGranted, base)

	records, err := s.store.History(ctx, "user-1", 10)
	s.Require().NoError(err)
	s.Require().Len(records, 3)
	s.Equal(audit.ActionLabelsChanged, records[0].Action)
	s.Equal(audit.ActionBalanceAdjusted, records[1].Action)
	s.Equal(audit.ActionRecordCreated, records[2].Action)
	s.Equal(map[string]any{"delta": float64(5)}, records[0].Details)

	limited, err := s.store.History(ctx, "user-1", 1)
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *AuditStoreSuite) TestAppendIsIdempotentByID() {
	ctx := context.Background()
	r := s.appendAt("user-1", audit.ActionRecordCreated, time.Now())
	s.Require().NoError(s.store.Append(ctx, r))

	records, err := s.store.History(ctx, "user-1", 10)
	s.Require().NoError(err)
	s.Len(records, 1)
}

func (s *AuditStoreSuite) TestEraseForSubject() {
	ctx := context.Background()
	now := time.Now()
	s.appendAt("user-1", audit.ActionRecordCreated, now)
	s.appendAt("user-1", audit.ActionBalanceAdjusted, now)
	s.appendAt("user-2", audit.ActionRecordCreated, now)

	n, err := s.store.EraseForSubject(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.store.EraseForSubject(ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(0, n)

	n, err = s.store.EraseForSubjects(ctx, []id.SubjectID{"user-2", "user-3"})
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *AuditStoreSuite) TestPurgeBefore() {
	ctx := context.Background()
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.appendAt("user-1", audit.ActionRecordCreated, cutoff.Add(-time.Hour))
	s.appendAt("user-1", audit.ActionBalanceAdjusted, cutoff.Add(time.Hour))

	n, err := s.store.PurgeBefore(ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(1, n)

	records, err := s.store.History(ctx, "user-1", 10)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(audit.ActionBalanceAdjusted, records[0].Action)
}
