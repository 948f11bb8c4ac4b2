package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "tally/pkg/domain-errors"
)

var jwtService = NewJWTService(
	"test-signing-key",
	"test-issuer",
	"test-audience",
)

const operator = "mod-7"

func Test_GenerateAccessToken(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(operator, RoleOperator, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, operator, claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func Test_ValidateToken_Rejections(t *testing.T) {
	expired, err := jwtService.GenerateAccessToken(operator, RoleOperator, -time.Hour)
	require.NoError(t, err)
	otherKey, err := NewJWTService("other-key", "test-issuer", "test-audience").GenerateAccessToken(operator, RoleOperator, time.Hour)
	require.NoError(t, err)
	otherAudience, err := NewJWTService("test-signing-key", "test-issuer", "elsewhere").GenerateAccessToken(operator, RoleOperator, time.Hour)
	require.NoError(t, err)
	noSubject, err := jwtService.GenerateAccessToken("", RoleOperator, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		msg   string
	}{
		{"garbage", "invalid-token-string", "invalid token"},
		{"expired", expired, "token has expired"},
		{"wrong key", otherKey, "invalid token"},
		{"wrong audience", otherAudience, "invalid token"},
		{"missing subject", noSubject, "token has no subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := jwtService.ValidateToken(tt.token)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func Test_Adapter(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(operator, RoleOperator, time.Hour)
	require.NoError(t, err)

	claims, err := NewJWTServiceAdapter(jwtService).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, operator, claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.NotEmpty(t, claims.JTI)
}
