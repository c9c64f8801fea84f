// Package transcription converts session audio into text through a remote
// speech-to-text provider.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/secrets"
)

// ErrEmptyInput is returned when there is no audio to transcribe.
var ErrEmptyInput = errors.New("no audio to transcribe")

// ErrTranscriptionProvider matches every *ProviderError.
var ErrTranscriptionProvider = errors.New("transcription provider failed")

// ProviderError wraps a remote transcription failure.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s transcription failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrTranscriptionProvider }

// Kind selects a provider variant.
type Kind string

const (
	KindElevenLabs Kind = "elevenlabs"
	KindOpenAI     Kind = "openai"
)

// ParseKind validates a configured service name. Blank selects ElevenLabs.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindElevenLabs:
		return KindElevenLabs, nil
	case KindOpenAI:
		return KindOpenAI, nil
	}
	return "", fmt.Errorf("unknown transcription service %q", s)
}

// CredentialKey returns the secret key holding the provider API key.
func (k Kind) CredentialKey() string {
	if k == KindOpenAI {
		return secrets.KeyOpenAI
	}
	return secrets.KeyElevenLabs
}

// KindFromStore reads the configured service from the secret store.
func KindFromStore(ctx context.Context, store secrets.Store) (Kind, error) {
	v, err := store.Get(ctx, secrets.KeyTranscriptionService)
	if errors.Is(err, secrets.ErrNotFound) {
		return KindElevenLabs, nil
	}
	if err != nil {
		return "", fmt.Errorf("read transcription service: %w", err)
	}
	return ParseKind(string(v))
}

// Options tune a transcription request.
type Options struct {
	// SpeakerCount hints the number of distinct speakers; zero lets the provider decide.
	SpeakerCount int
	// Diarized asks for speaker-labelled lines instead of flat text.
	Diarized bool
}

// Request is what a provider receives.
type Request struct {
	Audio  []byte
	APIKey string
	Options
}

// Provider performs one transcription call.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Credentials resolves API keys.
type Credentials interface {
	Get(ctx context.Context, key string) (string, error)
}

// Service is the transcription entry point used by the pipeline.
type Service struct {
	kind     Kind
	provider Provider
	creds    Credentials
	onError  func(error)
}

// Option configures a Service.
type Option func(*Service)

// WithErrorHook registers a callback invoked before a provider failure is returned.
func WithErrorHook(fn func(error)) Option {
	return func(s *Service) { s.onError = fn }
}

// NewService wraps provider. creds is usually the process-wide credentials cache.
func NewService(kind Kind, provider Provider, creds Credentials, opts ...Option) *Service {
	s := &Service{kind: kind, provider: provider, creds: creds}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Kind returns the provider variant.
func (s *Service) Kind() Kind { return s.kind }

// Transcribe returns the provider's transcript of audio verbatim. Empty input
// fails before any credential lookup or network call. Provider failures are
// not retried.
func (s *Service) Transcribe(ctx context.Context, audio []byte, opts Options) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyInput
	}

	key, err := s.creds.Get(ctx, s.kind.CredentialKey())
	if err != nil {
		return "", err
	}

	log.Info().
		Str("provider", s.provider.Name()).
		Int("bytes", len(audio)).
		Int("speakers", opts.SpeakerCount).
		Msg("Transcribing audio")

	text, err := s.provider.Transcribe(ctx, Request{Audio: audio, APIKey: key, Options: opts})
	if err != nil {
		perr := &ProviderError{Provider: s.provider.Name(), Err: err}
		if s.onError != nil {
			s.onError(perr)
		}
		return "", perr
	}
	return text, nil
}
