package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "tally/pkg/domain-errors"
)

// TestParseSubjectID_Invariants validates the parsing invariant:
// "subject IDs must be non-empty, bounded, and free of whitespace/control characters"
func TestParseSubjectID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseSubjectID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects oversized input", func(t *testing.T) {
		_, err := ParseSubjectID(strings.Repeat("1", maxSubjectIDLength+1))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts snowflake", func(t *testing.T) {
		id, err := ParseSubjectID("80351110224678912")
		require.NoError(t, err)
		assert.Equal(t, SubjectID("80351110224678912"), id)
		assert.False(t, id.IsNil())
	})

	t.Run("accepts prefixed system id", func(t *testing.T) {
		_, err := ParseSubjectID("system:rewards")
		require.NoError(t, err)
	})
}

func TestParseSubjectID_RejectsHostileInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"leading space", " 123"},
		{"embedded newline", "123\n456"},
		{"null byte", "123\x00"},
		{"tab", "12\t3"},
		{"invalid utf8", string([]byte{0xff, 0xfe})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubjectID(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestParseLegalBasis(t *testing.T) {
	b, err := ParseLegalBasis("")
	require.NoError(t, err)
	assert.Equal(t, LegalBasisConsent, b)

	b, err = ParseLegalBasis("contract")
	require.NoError(t, err)
	assert.Equal(t, LegalBasisContract, b)

	_, err = ParseLegalBasis("vibes")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
