// Package secrets provides the narrow secret store used for API credentials.
package secrets

import (
	"context"
	"errors"
	"os"
)

// Well-known secret keys.
const (
	KeyOpenAI               = "openai-api-key"
	KeyElevenLabs           = "elevenlabs-api-key"
	KeyTranscriptionService = "transcription-service"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("secret not found")

// ErrReadOnly is returned by stores that cannot persist values.
var ErrReadOnly = errors.New("secret store is read-only")

// Store reads and writes opaque secret values by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Insert(ctx context.Context, key string, value []byte) error
}

// EnvStore resolves secrets from environment variables.
type EnvStore struct {
	vars map[string]string
}

// NewEnvStore maps the well-known keys to their conventional variables.
func NewEnvStore() *EnvStore {
	return &EnvStore{vars: map[string]string{
		KeyOpenAI:               "OPENAI_API_KEY",
		KeyElevenLabs:           "ELEVENLABS_API_KEY",
		KeyTranscriptionService: "LOREMONGER_TRANSCRIPTION_SERVICE",
	}}
}

// Get returns the environment value for key.
func (e *EnvStore) Get(_ context.Context, key string) ([]byte, error) {
	name, ok := e.vars[key]
	if !ok {
		return nil, ErrNotFound
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Insert always fails.
func (e *EnvStore) Insert(context.Context, string, []byte) error {
	return ErrReadOnly
}

// Chain tries each store in order on Get and writes to the first store
// that accepts the value.
type Chain []Store

// Get returns the first value found.
func (c Chain) Get(ctx context.Context, key string) ([]byte, error) {
	for _, s := range c {
		v, err := s.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Insert writes to the first writable store.
func (c Chain) Insert(ctx context.Context, key string, value []byte) error {
	for _, s := range c {
		err := s.Insert(ctx, key, value)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return ErrReadOnly
}
