// Package vault holds provider credentials encrypted at rest. The vault
// starts locked; an operator supplies a master password which derives the
// AES key via argon2id. Ciphertexts and the salt survive restarts, the
// derived key never does.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for master key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16

	minMasterLen = 8
)

var (
	// ErrLocked is returned when a cryptographic operation is attempted
	// before the vault has been unlocked.
	ErrLocked = errors.New("vault locked")
	// ErrNotFound is returned by Get for names never stored.
	ErrNotFound = errors.New("credential not found")
)

// Vault is an in-memory map of name to AES-256-GCM ciphertext guarded by a
// lock/unlock lifecycle. When disabled it behaves as permanently unlocked
// with no key material, so Encrypt and Decrypt fail but the lifecycle calls
// are harmless no-ops.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool

	// key is derived on Unlock and zeroed on Lock.
	key []byte
	// salt is generated on first Unlock and persisted with the blob.
	salt []byte

	values map[string][]byte
}

func New(enabled bool) (*Vault, error) {
	return &Vault{
		enabled: enabled,
		locked:  enabled,
		values:  make(map[string][]byte),
	}, nil
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the encryption key from the master password. A fresh salt
// is generated the first time; restoring persisted data requires SetSalt
// before Unlock so the derived key matches the stored ciphertexts.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(master) < minMasterLen {
		return errors.New("password too short")
	}
	if len(v.salt) == 0 {
		v.salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, v.salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
	}
	v.key = argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keyLen)
	v.locked = false
	return nil
}

// Salt returns the argon2id salt for persistence alongside the blob.
func (v *Vault) Salt() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.salt
}

// SetSalt installs a previously persisted salt. Must precede Unlock.
func (v *Vault) SetSalt(salt []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.salt = salt
}

// Lock zeroes the derived key. Ciphertexts stay resident and become
// readable again after the next Unlock.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a credential under name.
func (v *Vault) Set(name, value string) error {
	encrypted, err := v.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[name] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts the credential stored under name.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	encrypted, ok := v.values[name]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	plaintext, err := v.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a credential. Deleting an unknown name is a no-op.
func (v *Vault) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
}

// Export returns the ciphertexts base64-encoded for persistence. The
// plaintext values never leave the vault.
func (v *Vault) Export() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.values))
	for name, ct := range v.values {
		out[name] = base64.StdEncoding.EncodeToString(ct)
	}
	return out
}

// Import loads previously exported ciphertexts. Existing entries with the
// same names are replaced.
func (v *Vault) Import(data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for name, enc := range data {
		ct, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		v.values[name] = ct
	}
	return nil
}

// aead builds the AES-256-GCM cipher over the current key. Callers must
// hold at least a read lock.
func (v *Vault) aead() (cipher.AEAD, error) {
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with a random nonce prefixed to the ciphertext.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
