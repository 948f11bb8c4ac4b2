package domain

import (
	"strings"
	"unicode"

	dErrors "tally/pkg/domain-errors"
)

// maxSubjectIDLength bounds identifiers accepted from chat platforms and
// operators. Snowflake IDs are at most 20 digits; the slack covers prefixed
// identifiers used by system-internal accounts.
const maxSubjectIDLength = 64

// SubjectID identifies the member whose balance, consent, and audit trail are
// tracked. Invariant: non-empty, at most 64 bytes, no whitespace or control
// characters.
//
// Usage: construct via ParseSubjectID at trust boundaries; direct casting
// bypasses validation and is reserved for tests and stores reading back
// values they wrote.
type SubjectID string

// ParseSubjectID validates external input and returns a SubjectID.
//
// Errors: returns CodeInvalidInput when the value violates the invariant.
func ParseSubjectID(s string) (SubjectID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "subject id cannot be empty")
	}
	if len(s) > maxSubjectIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "subject id too long")
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
	}) >= 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "subject id contains invalid characters")
	}
	return SubjectID(s), nil
}

// String returns the raw identifier.
func (id SubjectID) String() string {
	return string(id)
}

// IsNil returns true if the identifier is empty.
func (id SubjectID) IsNil() bool {
	return id == ""
}
