// Package vault implements CredentialVault (4.E): every exchange API
// credential is encrypted at rest under a single process-wide master key
// and only ever decrypted for ExecutionCoordinator, never for display.
package vault

import (
	"time"

	"fundingarb/apperr"
	"fundingarb/crypto"
	"fundingarb/store"
	"fundingarb/venue"
)

// Credential is one exchange's plaintext API credential. Passphrase is
// empty for venues that don't use one (Binance, Bybit, Gate.io).
type Credential struct {
	Exchange   venue.Name
	APIKey     string
	SecretKey  string
	Passphrase string
}

// MaskedCredential is what get_masked returns: enough to confirm a
// credential is on file without exposing it. APIKeyMasked is nil when the
// exchange has no credential configured, or when it's configured but can
// no longer be decrypted under the current master key (see GetMasked).
type MaskedCredential struct {
	Exchange     venue.Name
	Configured   bool
	APIKeyMasked *string
}

// Vault is CredentialVault. It holds no plaintext itself — every
// operation round-trips through crypto.Service against store.CredentialStore.
type Vault struct {
	store  *store.CredentialStore
	crypto *crypto.Service
}

func New(credentialStore *store.CredentialStore, cryptoService *crypto.Service) *Vault {
	return &Vault{store: credentialStore, crypto: cryptoService}
}

// Put encrypts and persists one exchange's credential, returning its
// masked view.
func (v *Vault) Put(c Credential) (*MaskedCredential, error) {
	if c.APIKey == "" || c.SecretKey == "" {
		return nil, apperr.New(apperr.Validation, "api_key and secret_key are required")
	}

	aad := string(c.Exchange)
	apiKeyEnc, err := v.crypto.EncryptForStorage(c.APIKey, aad)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encrypt api_key", err)
	}
	secretEnc, err := v.crypto.EncryptForStorage(c.SecretKey, aad)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encrypt secret_key", err)
	}
	passEnc := ""
	if c.Passphrase != "" {
		passEnc, err = v.crypto.EncryptForStorage(c.Passphrase, aad)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "encrypt passphrase", err)
		}
	}

	rec := &store.CredentialRecord{
		Exchange:         string(c.Exchange),
		APIKeyCiphertext: apiKeyEnc,
		SecretCiphertext: secretEnc,
		PassphraseCipher: passEnc,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := v.store.Put(rec); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist credential", err)
	}

	masked := maskAPIKey(c.APIKey)
	return &MaskedCredential{Exchange: c.Exchange, Configured: true, APIKeyMasked: &masked}, nil
}

// GetMasked reports whether an exchange has a credential on file and, if
// so, its masked API key — first 4 and last 4 characters separated by
// "***", matching the invariant in §8. Producing the mask requires
// decrypting the stored api_key, so a master-key rotation since Put
// surfaces here exactly as 4.E's failure mode describes: Configured stays
// true but APIKeyMasked comes back nil.
func (v *Vault) GetMasked(exchange venue.Name) (*MaskedCredential, error) {
	rec, err := v.store.Get(string(exchange))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load credential", err)
	}
	if rec == nil {
		return &MaskedCredential{Exchange: exchange, Configured: false}, nil
	}

	apiKey, err := v.crypto.DecryptFromStorage(rec.APIKeyCiphertext, string(exchange))
	if err != nil {
		return &MaskedCredential{Exchange: exchange, Configured: true}, nil
	}
	masked := maskAPIKey(apiKey)
	return &MaskedCredential{Exchange: exchange, Configured: true, APIKeyMasked: &masked}, nil
}

// GetPlaintext decrypts one exchange's credential for ExecutionCoordinator
// use only. A decryption failure (most commonly: the master key rotated
// since this record was written) surfaces as an auth error, not fatal —
// the known operational boundary in 4.E.
func (v *Vault) GetPlaintext(exchange venue.Name) (*Credential, error) {
	rec, err := v.store.Get(string(exchange))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load credential", err)
	}
	if rec == nil {
		return nil, apperr.New(apperr.Auth, "no credential configured for "+string(exchange))
	}

	aad := string(exchange)
	apiKey, err := v.crypto.DecryptFromStorage(rec.APIKeyCiphertext, aad)
	if err != nil {
		return nil, apperr.Wrap(apperr.Auth, "decrypt api_key", err)
	}
	secretKey, err := v.crypto.DecryptFromStorage(rec.SecretCiphertext, aad)
	if err != nil {
		return nil, apperr.Wrap(apperr.Auth, "decrypt secret_key", err)
	}
	passphrase := ""
	if rec.PassphraseCipher != "" {
		passphrase, err = v.crypto.DecryptFromStorage(rec.PassphraseCipher, aad)
		if err != nil {
			return nil, apperr.Wrap(apperr.Auth, "decrypt passphrase", err)
		}
	}

	return &Credential{Exchange: exchange, APIKey: apiKey, SecretKey: secretKey, Passphrase: passphrase}, nil
}

func (v *Vault) Delete(exchange venue.Name) error {
	if err := v.store.Delete(string(exchange)); err != nil {
		return apperr.Wrap(apperr.Internal, "delete credential", err)
	}
	return nil
}

// List returns the masked view of every configured exchange.
func (v *Vault) List() ([]MaskedCredential, error) {
	recs, err := v.store.List()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list credentials", err)
	}
	out := make([]MaskedCredential, 0, len(recs))
	for _, rec := range recs {
		masked, err := v.GetMasked(venue.Name(rec.Exchange))
		if err != nil {
			return nil, err
		}
		out = append(out, *masked)
	}
	return out, nil
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) < 8 {
		return "***"
	}
	return apiKey[:4] + "***" + apiKey[len(apiKey)-4:]
}
