package adapters

import (
	"context"

	consentService "tally/internal/consent/service"
	"tally/internal/ledger"
	id "tally/pkg/domain"
)

// ConsentAdapter implements ledger.ConsentChecker by calling the consent
// service in-process.
type ConsentAdapter struct {
	consent *consentService.Service
}

// NewConsentAdapter creates a new consent adapter.
func NewConsentAdapter(consent *consentService.Service) ledger.ConsentChecker {
	return &ConsentAdapter{consent: consent}
}

func (a *ConsentAdapter) HasConsent(ctx context.Context, subject id.SubjectID) (bool, error) {
	return a.consent.HasConsent(ctx, subject)
}
