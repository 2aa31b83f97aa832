package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct-horse-battery-staple", hash))
	assert.False(t, CheckPassword("wrong-password", hash))
}

func TestGenerateAndVerifyOTP(t *testing.T) {
	secret, err := GenerateOTPSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	url := GetOTPQRCodeURL(secret)
	assert.Contains(t, url, OTPIssuer)
	assert.Contains(t, url, secret)

	assert.False(t, VerifyOTP(secret, "000000"))
}

func TestJWTRoundTrip(t *testing.T) {
	SetJWTSecret("test-secret-key")

	token, err := GenerateJWT()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, OperatorSubject, claims.Subject)
}

func TestValidateJWT_RejectsTamperedToken(t *testing.T) {
	SetJWTSecret("test-secret-key")

	token, err := GenerateJWT()
	require.NoError(t, err)

	_, err = ValidateJWT(token + "tampered")
	assert.Error(t, err)
}

func TestTokenBlacklist(t *testing.T) {
	token := "sample-token"
	assert.False(t, IsTokenBlacklisted(token))

	BlacklistToken(token, time.Now().Add(time.Minute))
	assert.True(t, IsTokenBlacklisted(token))
}

func TestTokenBlacklist_ExpiresAutomatically(t *testing.T) {
	token := "expiring-token"
	BlacklistToken(token, time.Now().Add(-time.Second))
	assert.False(t, IsTokenBlacklisted(token))
}
