package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "veridoc/pkg/domain-errors"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewService("test-key", "veridoc", "veridoc-api")

	raw, err := svc.Generate("user-1", "alice@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.NotEmpty(t, claims.SessionID)
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewService("test-key", "veridoc", "veridoc-api")

	raw, err := svc.Generate("user-1", "alice@example.com", -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(raw)
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeTokenExpired))
}

func TestValidateToken_WrongKey(t *testing.T) {
	issuer := NewService("key-a", "veridoc", "veridoc-api")
	validator := NewService("key-b", "veridoc", "veridoc-api")

	raw, err := issuer.Generate("user-1", "alice@example.com", time.Hour)
	require.NoError(t, err)

	_, err = validator.ValidateToken(raw)
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeForbidden))
}

func TestValidateToken_Garbage(t *testing.T) {
	svc := NewService("test-key", "veridoc", "veridoc-api")
	_, err := svc.ValidateToken("not-a-token")
	require.Error(t, err)
}
