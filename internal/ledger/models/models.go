package models

import (
	"time"

	id "tally/pkg/domain"
)

// Record is one member's balance row. SecondaryBalance is a legacy mirror of
// Balance; every store updates both in the same atomic statement so they
// never diverge.
type Record struct {
	ID               id.SubjectID `json:"id"`
	Balance          int64        `json:"balance"`
	SecondaryBalance int64        `json:"secondary_balance"`
	RankLabel        string       `json:"rank_label"`
	PathLabel        string       `json:"path_label"`
	CreatedAt        time.Time    `json:"created_at,omitzero"`
	UpdatedAt        time.Time    `json:"updated_at,omitzero"`
}

// NewRecord returns a fresh record holding initial in both counters.
func NewRecord(subject id.SubjectID, initial int64, now time.Time) *Record {
	return &Record{
		ID:               subject,
		Balance:          initial,
		SecondaryBalance: initial,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// DeltaResult reports the effect of one balance adjustment.
type DeltaResult struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
	Delta  int64 `json:"delta"`
}

// DeltaOptions carries who asked for an adjustment and why.
type DeltaOptions struct {
	PerformedBy string
	Reason      string
	// BypassConsent skips the consent gate. Reserved for system-internal
	// adjustments such as corrections and migrations.
	BypassConsent bool
}

// EraseResult reports what a data-deletion request removed.
type EraseResult struct {
	RecordRemoved bool `json:"record_removed"`
	AuditRecords  int  `json:"audit_records"`
}
