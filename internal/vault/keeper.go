package vault

import (
	"fmt"
	"strings"

	"github.com/ppallis/conclave/internal/store"
)

// refPrefix marks a config value as a secret reference, e.g.
// "secret:openai_api_key".
const refPrefix = "secret:"

// Keeper binds the vault to the sqlite secrets table.
type Keeper struct {
	vault *Vault
	store *store.Store
}

func NewKeeper(v *Vault, st *store.Store) *Keeper {
	return &Keeper{vault: v, store: st}
}

// Set encrypts and stores a named secret, replacing any previous value.
func (k *Keeper) Set(name, description, value string) error {
	ciphertext, nonce, err := k.vault.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", name, err)
	}
	return k.store.SaveSecret(&store.Secret{
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

// Get decrypts a named secret.
func (k *Keeper) Get(name string) (string, error) {
	sec, err := k.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	plaintext, err := k.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns secret metadata, never plaintext.
func (k *Keeper) List() ([]store.Secret, error) {
	return k.store.ListSecrets()
}

func (k *Keeper) Delete(name string) error {
	return k.store.DeleteSecret(name)
}

// Resolve replaces a secret:<name> reference with its stored plaintext.
// Anything else passes through untouched.
func (k *Keeper) Resolve(value string) (string, error) {
	name, ok := strings.CutPrefix(value, refPrefix)
	if !ok {
		return value, nil
	}
	return k.Get(name)
}

// IsRef reports whether a config value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}
