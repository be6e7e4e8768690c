package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateAcceptsSignedToken(t *testing.T) {
	v := NewJWTValidator(testSecret)
	exp := time.Now().Add(time.Hour)
	token := signToken(t, testSecret, jwt.MapClaims{
		"project": "project-1",
		"sub":     "user-42",
		"exp":     exp.Unix(),
	})

	ident, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "project-1", ident.Project)
	assert.Equal(t, "user-42", ident.Subject)
	assert.WithinDuration(t, exp, ident.ExpiresAt, time.Second)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := NewJWTValidator(testSecret)
	token := signToken(t, "other-secret", jwt.MapClaims{"project": "project-1"})

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := NewJWTValidator(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"project": "project-1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRequiresProjectClaim(t *testing.T) {
	v := NewJWTValidator(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{"sub": "user-42"})

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	v := NewJWTValidator(testSecret)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"project": "project-1"})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	v := NewJWTValidator(testSecret)
	_, err := v.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
