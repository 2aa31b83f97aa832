package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// CredentialRecord is the persisted form of one exchange's credential
// (4.E): the secret fields are stored pre-encrypted by vault.Vault — this
// store never sees plaintext and never decides how to mask or decrypt.
type CredentialRecord struct {
	Exchange         string    `gorm:"primaryKey;column:exchange" json:"exchange"`
	APIKeyCiphertext string    `gorm:"column:api_key_ciphertext;not null;default:''" json:"-"`
	SecretCiphertext string    `gorm:"column:secret_ciphertext;not null;default:''" json:"-"`
	PassphraseCipher string    `gorm:"column:passphrase_ciphertext;not null;default:''" json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (CredentialRecord) TableName() string { return "exchange_credentials" }

// CredentialStore is the persistence layer behind vault.Vault. It only
// ever stores ciphertext — masking and decryption both happen in vault.Vault.
type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) initTables() error {
	return s.db.AutoMigrate(&CredentialRecord{})
}

// Put upserts one exchange's encrypted credential.
func (s *CredentialStore) Put(rec *CredentialRecord) error {
	return s.db.Save(rec).Error
}

// Get returns the stored record, or nil if the exchange has none configured.
func (s *CredentialStore) Get(exchange string) (*CredentialRecord, error) {
	var rec CredentialRecord
	err := s.db.First(&rec, "exchange = ?", exchange).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every configured exchange's record.
func (s *CredentialStore) List() ([]*CredentialRecord, error) {
	var recs []*CredentialRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *CredentialStore) Delete(exchange string) error {
	return s.db.Delete(&CredentialRecord{}, "exchange = ?", exchange).Error
}
