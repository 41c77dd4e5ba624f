package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "gigverify/pkg/domain-errors"
)

var jwtService = NewService("test-signing-key", "test-issuer")

func Test_IssueVerifierToken(t *testing.T) {
	token, err := jwtService.IssueVerifierToken("v1", "Priya", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "v1", claims.VerifierID)
	assert.Equal(t, "Priya", claims.VerifierName)
	assert.Equal(t, "test-issuer", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func Test_IssueVerifierToken_RequiresID(t *testing.T) {
	_, err := jwtService.IssueVerifierToken(" ", "Nobody", time.Hour)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := jwtService.ValidateToken("invalid-token-string")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Equal(t, "invalid token", dErrors.MessageOf(err))
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	token, err := jwtService.IssueVerifierToken("v1", "Priya", -time.Hour)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, "token has expired", dErrors.MessageOf(err))
}

func Test_ValidateToken_WrongKeyOrIssuer(t *testing.T) {
	token, err := NewService("other-key", "test-issuer").IssueVerifierToken("v1", "Priya", time.Hour)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	token, err = NewService("test-signing-key", "someone-else").IssueVerifierToken("v1", "Priya", time.Hour)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ServiceAdapter(t *testing.T) {
	token, err := jwtService.IssueVerifierToken("v2", "Arjun", time.Hour)
	require.NoError(t, err)

	claims, err := NewServiceAdapter(jwtService).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "v2", claims.VerifierID)
	assert.Equal(t, "Arjun", claims.VerifierName)
	assert.NotEmpty(t, claims.TokenID)
}
