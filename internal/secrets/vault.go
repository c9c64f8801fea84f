package secrets

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const saltSize = 16

// Argon2id parameters.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 2
)

// ErrBadPassphrase is returned when the vault cannot be decrypted.
var ErrBadPassphrase = errors.New("vault: wrong passphrase or corrupted file")

// Vault is a file-backed secret store. The file holds a random salt, a
// nonce and the XChaCha20-Poly1305 sealed JSON map of secrets; the key is
// derived from the passphrase with Argon2id.
type Vault struct {
	path       string
	passphrase []byte
	mu         sync.Mutex
}

// NewVault returns a vault stored at path. The file is created on first Insert.
func NewVault(path string, passphrase []byte) *Vault {
	return &Vault{path: path, passphrase: passphrase}
}

// Path returns the vault file location.
func (v *Vault) Path() string {
	return v.path
}

// Get returns the secret stored under key.
func (v *Vault) Get(_ context.Context, key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, _, err := v.load()
	if err != nil {
		return nil, err
	}
	val, ok := entries[key]
	if !ok || len(val) == 0 {
		return nil, ErrNotFound
	}
	return val, nil
}

// Insert stores value under key, replacing any previous value.
func (v *Vault) Insert(_ context.Context, key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, salt, err := v.load()
	if err != nil {
		return err
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
	}
	entries[key] = value
	return v.save(entries, salt)
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return argon2.IDKey(v.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// load returns the decrypted entries and the salt. A missing file yields
// an empty map and a nil salt.
func (v *Vault) load() (map[string][]byte, []byte, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read vault: %w", err)
	}
	if len(data) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, nil, ErrBadPassphrase
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := data[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(v.deriveKey(salt))
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, nil, ErrBadPassphrase
	}

	entries := map[string][]byte{}
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode vault: %w", err)
	}
	return entries, append([]byte(nil), salt...), nil
}

func (v *Vault) save(entries map[string][]byte, salt []byte) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.deriveKey(salt))
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, nil)

	if err := os.MkdirAll(filepath.Dir(v.path), 0750); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return os.Rename(tmp, v.path)
}
