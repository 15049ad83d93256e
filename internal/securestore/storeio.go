package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"fusionlink/go-backend/internal/platform/memzero"
)

// IsConfigured reports whether encrypted persistence has both a path and a passphrase.
func IsConfigured(path, secret string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(secret) != ""
}

// ReadDecryptedFile reads and decrypts file content. A missing file yields (nil, nil).
func ReadDecryptedFile(path, secret, purpose string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return Decrypt(secret, purpose, raw)
}

// WriteEncrypted encrypts payload and replaces the file through a temp file rename.
func WriteEncrypted(path, secret, purpose string, payload []byte) error {
	encrypted, err := Encrypt(secret, purpose, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encrypted); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteEncryptedJSON marshals v and writes it encrypted. The marshalled plaintext is wiped afterwards.
func WriteEncryptedJSON(path, secret, purpose string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer memzero.Zero(payload)
	return WriteEncrypted(path, secret, purpose, payload)
}

// Remove deletes an encrypted file; a missing file is not an error.
func Remove(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
