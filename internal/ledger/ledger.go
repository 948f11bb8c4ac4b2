// Package ledger owns member balances: the store port, the collaborator ports,
// and the errors the ledger service returns.
package ledger

//go:generate mockgen -source=ledger.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"tally/internal/ledger/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	audit "tally/pkg/platform/audit"
)

// Store is the authoritative record store. Implementations return
// sentinel.ErrNotFound for absent records, sentinel.ErrConflict when Insert
// finds an existing record, and sentinel.ErrUnavailable for transport
// failures.
type Store interface {
	Fetch(ctx context.Context, subject id.SubjectID) (*models.Record, error)
	Insert(ctx context.Context, subject id.SubjectID, initial int64) error
	// ApplyDelta adds delta to both counters in a single atomic store
	// operation and returns the balance before and after. A delta that would
	// overflow int64 fails with sentinel.ErrOutOfRange.
	ApplyDelta(ctx context.Context, subject id.SubjectID, delta int64) (before, after int64, err error)
	SetLabels(ctx context.Context, subject id.SubjectID, rank, path string) error
	Delete(ctx context.Context, subject id.SubjectID) error
	Ping(ctx context.Context) error
}

// ConsentChecker reports whether a subject has opted in.
type ConsentChecker interface {
	HasConsent(ctx context.Context, subject id.SubjectID) (bool, error)
}

// AuditTrail receives mutation records. Emit must not block on persistence.
type AuditTrail interface {
	Emit(ctx context.Context, record audit.Record)
	EraseForSubject(ctx context.Context, subject id.SubjectID) (int, error)
}

var (
	// ErrRecordNotFound means the store has no record for the subject. A
	// record with a zero balance is not "not found".
	ErrRecordNotFound = dErrors.New(dErrors.CodeNotFound, "ledger record not found")
	// ErrConsentRequired rejects a mutation for a subject without consent.
	ErrConsentRequired = dErrors.New(dErrors.CodeConsentRequired, "subject has not consented to balance tracking")
	// ErrBalanceOutOfRange rejects a delta that would overflow the balance.
	ErrBalanceOutOfRange = dErrors.New(dErrors.CodeInvalidInput, "balance change out of range")
	// ErrStoreUnavailable wraps transport failures talking to the store.
	ErrStoreUnavailable = dErrors.New(dErrors.CodeUnavailable, "ledger store unavailable")
)
