package models

import (
	"time"

	id "tally/pkg/domain"
)

// CurrentVersion is the consent text version recorded on new grants. Bump it
// when the wording members agree to changes.
const CurrentVersion = "2024-01"

// ConsentRecord captures a member's current decision. There is one record
// per subject; a withdrawal keeps the record with ConsentGiven false so the
// decision date survives.
type ConsentRecord struct {
	SubjectID    id.SubjectID  `json:"subject_id"`
	ConsentGiven bool          `json:"consent_given"`
	Version      string        `json:"version"`
	LegalBasis   id.LegalBasis `json:"legal_basis"`
	ConsentDate  time.Time     `json:"consent_date"`
}

// IsActive reports whether the record permits balance tracking.
func (c *ConsentRecord) IsActive() bool {
	return c != nil && c.ConsentGiven
}

// GrantRequest is the body of a consent grant.
type GrantRequest struct {
	LegalBasis string `json:"legal_basis"`
	Version    string `json:"version"`
}
