package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens_IssueAndVerify(t *testing.T) {
	tokens := NewTokens("test-secret-key", 15*time.Minute)

	token, expiresAt, err := tokens.Issue("ops-1", RoleOperator)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	claims, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestTokens_Expired(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	tokens := NewTokens("test-secret-key", time.Minute).WithClock(func() time.Time { return issued })

	token, _, err := tokens.Issue("ops-1", RoleOperator)
	require.NoError(t, err)

	_, err = NewTokens("test-secret-key", time.Minute).Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokens_WrongSecret(t *testing.T) {
	token, _, err := NewTokens("secret-a", time.Minute).Issue("ops-1", RoleViewer)
	require.NoError(t, err)

	_, err = NewTokens("secret-b", time.Minute).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{Role: RoleOperator, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokens("test-secret-key", time.Minute).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_Garbage(t *testing.T) {
	_, err := NewTokens("test-secret-key", time.Minute).Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
