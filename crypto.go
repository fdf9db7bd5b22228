package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"os"
	"path/filepath"
)

// Keyring encrypts IMAP passwords at rest. Plaintext only exists for the
// lifetime of one connection attempt.
type Keyring interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type aesGcmKeyring struct {
	key []byte
}

// GetOrCreateKeyring loads the deployment key from the configured file,
// generating a fresh 256 bit key on first startup.
func GetOrCreateKeyring() Keyring {
	path := GetString(CredentialKeyFileKey)
	key, err := os.ReadFile(path)
	if err != nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(path, key, 0600); err != nil {
			log.Fatal(err)
		}
	}
	if len(key) != 32 {
		log.Fatalf("credential key file %v: expected 32 bytes, got %d", path, len(key))
	}
	return &aesGcmKeyring{key: key}
}

func (k *aesGcmKeyring) gcm() (cipher.AEAD, error) {
	block, e := aes.NewCipher(k.key)
	if e != nil {
		return nil, e
	}
	return cipher.NewGCM(block)
}

func (k *aesGcmKeyring) Encrypt(plaintext string) (string, error) {
	gcm, e := k.gcm()
	if e != nil {
		return "", e
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, e := rand.Read(nonce); e != nil {
		return "", e
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *aesGcmKeyring) Decrypt(ciphertext string) (string, error) {
	raw, e := base64.StdEncoding.DecodeString(ciphertext)
	if e != nil {
		return "", e
	}
	gcm, e := k.gcm()
	if e != nil {
		return "", e
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, e := gcm.Open(nil, nonce, sealed, nil)
	if e != nil {
		return "", e
	}
	return string(plain), nil
}
