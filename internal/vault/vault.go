// Package vault encrypts named secrets, typically inference API keys, with a
// key derived from an operator passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

// EnvPassphrase holds the vault passphrase.
const EnvPassphrase = "CONCLAVE_VAULT_PASSPHRASE"

// argon2id parameters for key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keySize      = 32
)

var ErrNoPassphrase = errors.New("vault: " + EnvPassphrase + " not set")

// Vault does AES-256-GCM with an argon2id-derived key.
type Vault struct {
	key [keySize]byte
}

// New derives the key from the passphrase. The salt is the first half of
// SHA-256(passphrase), so the same passphrase yields the same key across
// restarts.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], argonTime, argonMemory, argonThreads, keySize)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Open builds a vault from the passphrase environment variable.
func Open() (*Vault, error) {
	passphrase := os.Getenv(EnvPassphrase)
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	return New(passphrase), nil
}

// Encrypt seals plaintext with a fresh random nonce. Ciphertext and nonce
// are stored as separate columns.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. A wrong passphrase or tampered
// ciphertext fails authentication.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
