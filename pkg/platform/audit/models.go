package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	id "tally/pkg/domain"
)

// Action names the mutation an audit record describes.
type Action string

const (
	ActionRecordCreated    Action = "record_created"
	ActionBalanceAdjusted  Action = "balance_adjusted"
	ActionLabelsChanged    Action = "labels_changed"
	ActionConsentGranted   Action = "consent_granted"
	ActionConsentWithdrawn Action = "consent_withdrawn"
	ActionSubjectErased    Action = "subject_erased"
)

// DataType names the category of personal data touched by the action.
type DataType string

const (
	DataTypeBalance DataType = "ledger_balance"
	DataTypeLabels  DataType = "ledger_labels"
	DataTypeConsent DataType = "consent"
	DataTypeAll     DataType = "all"
)

// Record is one immutable audit trail entry. Records are only removed by
// erasing every record of a subject.
type Record struct {
	ID          uuid.UUID
	SubjectID   id.SubjectID
	Action      Action
	DataType    DataType
	PerformedBy string
	Purpose     string
	Details     map[string]any
	Timestamp   time.Time
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, record Record) error
	// History returns up to limit records for subject, newest first.
	History(ctx context.Context, subject id.SubjectID, limit int) ([]Record, error)
	// EraseForSubject removes every record for subject and returns how many.
	EraseForSubject(ctx context.Context, subject id.SubjectID) (int, error)
}

// Sink receives a copy of each persisted record (e.g. a Kafka topic). Sinks
// are best-effort; a failing sink never affects the primary store.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

// DefaultHistoryLimit caps History when callers pass a non-positive limit.
const DefaultHistoryLimit = 50

// Normalize fills ID and Timestamp when unset and returns the record.
func Normalize(r Record, now time.Time) Record {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	return r
}
