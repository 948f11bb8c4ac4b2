package domain

import dErrors "tally/pkg/domain-errors"

// LegalBasis is the lawful ground recorded alongside a consent decision.
// Invariant: the value must be one of the supported bases.
type LegalBasis string

const (
	LegalBasisConsent            LegalBasis = "consent"
	LegalBasisContract           LegalBasis = "contract"
	LegalBasisLegitimateInterest LegalBasis = "legitimate_interest"
	LegalBasisLegalObligation    LegalBasis = "legal_obligation"
)

var validLegalBases = map[LegalBasis]bool{
	LegalBasisConsent:            true,
	LegalBasisContract:           true,
	LegalBasisLegitimateInterest: true,
	LegalBasisLegalObligation:    true,
}

// ParseLegalBasis constructs a LegalBasis from external input. An empty value
// defaults to LegalBasisConsent.
func ParseLegalBasis(s string) (LegalBasis, error) {
	if s == "" {
		return LegalBasisConsent, nil
	}
	b := LegalBasis(s)
	if !b.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid legal basis")
	}
	return b, nil
}

// IsValid checks if the basis is one of the supported enum values.
func (b LegalBasis) IsValid() bool {
	return validLegalBases[b]
}

func (b LegalBasis) String() string {
	return string(b)
}
