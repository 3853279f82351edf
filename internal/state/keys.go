package state

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SaveSessionKey encrypts the session signing key as a Web3 keystore blob
// (scrypt) and writes it atomically next to the checkpoint.
func SaveSessionKey(path string, pk *ecdsa.PrivateKey, passphrase string) error {
	if path == "" {
		return nil
	}
	if pk == nil {
		return fmt.Errorf("session key required")
	}

	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(pk.PublicKey),
		PrivateKey: pk,
	}
	blob, err := keystore.EncryptKey(key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("encrypt session key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSessionKey decrypts a previously saved session key. A missing file
// returns (nil, nil) so the caller can create a fresh session.
func LoadSessionKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	key, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt session key %s: %w", path, err)
	}
	return key.PrivateKey, nil
}
