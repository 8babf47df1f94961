package pool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintValidateRoundTrip(t *testing.T) {
	svc := NewTokenService("master-secret")

	token := svc.Mint("sess-123")
	id, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", id)
}

func TestValidateRejectsTampering(t *testing.T) {
	svc := NewTokenService("master-secret")
	token := svc.Mint("sess-123")

	_, err := svc.Validate(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	payload, _, _ := strings.Cut(token, ".")
	_, err = svc.Validate(payload)
	assert.ErrorIs(t, err, ErrInvalidToken, "missing signature separator")

	other := NewTokenService("different-master")
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "tokens do not cross deployments")
}

func TestMasterTokenIsNeverAValidSessionToken(t *testing.T) {
	svc := NewTokenService("master-secret")
	_, err := svc.Validate("master-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensSurviveRestartWithSameConfig(t *testing.T) {
	token := NewTokenService("master-secret").Mint("sess-9")
	id, err := NewTokenService("master-secret").Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", id)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
}

func TestNewChildTokenIsUnique(t *testing.T) {
	a := NewChildToken()
	b := NewChildToken()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
