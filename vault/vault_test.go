package vault

import (
	"testing"

	"fundingarb/apperr"
	"fundingarb/crypto"
	"fundingarb/store"
	"fundingarb/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cs, err := crypto.NewServiceWithKey(key)
	require.NoError(t, err)

	return New(db.Credential(), cs)
}

func TestVault_PutThenGetMaskedConsistent(t *testing.T) {
	v := newTestVault(t)

	masked, err := v.Put(Credential{Exchange: venue.Binance, APIKey: "abcd1234efgh5678", SecretKey: "supersecret"})
	require.NoError(t, err)
	require.NotNil(t, masked.APIKeyMasked)
	assert.Equal(t, "abcd***5678", *masked.APIKeyMasked)

	got, err := v.GetMasked(venue.Binance)
	require.NoError(t, err)
	assert.True(t, got.Configured)
	require.NotNil(t, got.APIKeyMasked)
	assert.Equal(t, "abcd***5678", *got.APIKeyMasked)
}

func TestVault_GetMaskedUnconfigured(t *testing.T) {
	v := newTestVault(t)

	got, err := v.GetMasked(venue.OKX)
	require.NoError(t, err)
	assert.False(t, got.Configured)
	assert.Nil(t, got.APIKeyMasked)
}

func TestVault_GetPlaintextRoundTrips(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Put(Credential{Exchange: venue.Bybit, APIKey: "key-value-1", SecretKey: "secret-value-1", Passphrase: "pw"})
	require.NoError(t, err)

	cred, err := v.GetPlaintext(venue.Bybit)
	require.NoError(t, err)
	assert.Equal(t, "key-value-1", cred.APIKey)
	assert.Equal(t, "secret-value-1", cred.SecretKey)
	assert.Equal(t, "pw", cred.Passphrase)
}

func TestVault_GetPlaintextMissingRaisesAuth(t *testing.T) {
	v := newTestVault(t)

	_, err := v.GetPlaintext(venue.Bitget)
	require.Error(t, err)
	assert.Equal(t, apperr.Auth, apperr.KindOf(err))
}

func TestVault_MasterKeyRotationMakesPlaintextUndecryptable(t *testing.T) {
	db, err := store.New(":memory:")
	require.NoError(t, err)

	key1 := make([]byte, 32)
	for i := range key1 {
		key1[i] = byte(i)
	}
	cs1, err := crypto.NewServiceWithKey(key1)
	require.NoError(t, err)
	v1 := New(db.Credential(), cs1)

	_, err = v1.Put(Credential{Exchange: venue.GateIO, APIKey: "rotate1234key", SecretKey: "rotate-secret"})
	require.NoError(t, err)

	key2 := make([]byte, 32)
	for i := range key2 {
		key2[i] = byte(255 - i)
	}
	cs2, err := crypto.NewServiceWithKey(key2)
	require.NoError(t, err)
	v2 := New(db.Credential(), cs2)

	masked, err := v2.GetMasked(venue.GateIO)
	require.NoError(t, err)
	assert.True(t, masked.Configured)
	assert.Nil(t, masked.APIKeyMasked)

	_, err = v2.GetPlaintext(venue.GateIO)
	require.Error(t, err)
	assert.Equal(t, apperr.Auth, apperr.KindOf(err))
}

func TestVault_DeleteRemovesCredential(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Put(Credential{Exchange: venue.Binance, APIKey: "delkey1234", SecretKey: "delsecret"})
	require.NoError(t, err)

	require.NoError(t, v.Delete(venue.Binance))

	got, err := v.GetMasked(venue.Binance)
	require.NoError(t, err)
	assert.False(t, got.Configured)
}
