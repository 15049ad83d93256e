package identity

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"

	"fusionlink/go-backend/internal/platform/memzero"
	"fusionlink/go-backend/internal/securestore"
)

const vaultRecordVersion = 1

var ErrVaultCorrupted = errors.New("key vault file is corrupted")

// VaultStore keeps the local key pair in a passphrase-encrypted file on this device.
type VaultStore struct {
	path       string
	passphrase string
}

type vaultRecord struct {
	Version   int       `json:"version"`
	Private   []byte    `json:"private"`
	Public    []byte    `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// NewVaultStore returns nil when persistence is not configured.
func NewVaultStore(path, passphrase string) *VaultStore {
	if !securestore.IsConfigured(path, passphrase) {
		return nil
	}
	return &VaultStore{path: strings.TrimSpace(path), passphrase: passphrase}
}

func (s *VaultStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *VaultStore) save(kp *keyPair) error {
	rec := vaultRecord{
		Version:   vaultRecordVersion,
		Private:   append([]byte(nil), kp.private[:]...),
		Public:    append([]byte(nil), kp.public[:]...),
		CreatedAt: kp.createdAt,
	}
	defer memzero.Zero(rec.Private)
	return securestore.WriteEncryptedJSON(s.path, s.passphrase, securestore.PurposeVault, rec)
}

func (s *VaultStore) load() (*keyPair, error) {
	raw, err := securestore.ReadDecryptedFile(s.path, s.passphrase, securestore.PurposeVault)
	if err != nil {
		return nil, fmt.Errorf("read key vault: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	defer memzero.Zero(raw)

	var rec vaultRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrVaultCorrupted
	}
	defer memzero.Zero(rec.Private)
	if rec.Version != vaultRecordVersion || len(rec.Private) != KeySize || len(rec.Public) != KeySize {
		return nil, ErrVaultCorrupted
	}
	kp := &keyPair{createdAt: rec.CreatedAt}
	copy(kp.private[:], rec.Private)
	copy(kp.public[:], rec.Public)
	derived, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil || subtle.ConstantTimeCompare(derived, kp.public[:]) != 1 {
		kp.wipe()
		return nil, ErrVaultCorrupted
	}
	return kp, nil
}

func (s *VaultStore) remove() error {
	return securestore.Remove(s.path)
}
