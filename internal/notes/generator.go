package notes

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/secrets"
	"github.com/thebtf/loremonger/pkg/models"
)

// Mode selects live generation or the transcript echo used for debugging.
type Mode string

const (
	ModeLive  Mode = "live"
	ModeDebug Mode = "debug"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-5-nano"

// Credentials resolves API keys.
type Credentials interface {
	Get(ctx context.Context, key string) (string, error)
}

// Request is the input of one note generation.
type Request struct {
	Transcript         string
	DMName             string
	Players            []models.Player
	CustomSystemPrompt string
}

// Generator produces notes from transcripts.
type Generator struct {
	Mode   Mode
	Model  string
	Client Client
	Creds  Credentials
}

// NewGenerator returns a generator; blank model selects DefaultModel.
func NewGenerator(mode Mode, model string, client Client, creds Credentials) *Generator {
	if model == "" {
		model = DefaultModel
	}
	if mode != ModeDebug {
		mode = ModeLive
	}
	return &Generator{Mode: mode, Model: model, Client: client, Creds: creds}
}

// Generate returns the notes and true, or "" and false when no notes could
// be produced. Failures are logged, never returned.
func (g *Generator) Generate(ctx context.Context, req Request) (string, bool) {
	if g.Mode == ModeDebug {
		return DebugNotes(req.Transcript), true
	}

	key, err := g.Creds.Get(ctx, secrets.KeyOpenAI)
	if err != nil {
		log.Error().Err(err).Msg("Note generation skipped: no API key")
		return "", false
	}

	out, err := g.Client.Complete(ctx, CompletionRequest{
		Model:  g.Model,
		APIKey: key,
		Messages: []Message{
			{Role: "system", Content: BuildSystemPrompt(req.DMName, req.Players, req.CustomSystemPrompt)},
			{Role: "user", Content: req.Transcript},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("model", g.Model).Msg("Note generation failed")
		return "", false
	}

	out = strings.TrimSpace(out)
	if out == "" {
		log.Warn().Str("model", g.Model).Msg("Note generation returned empty output")
		return "", false
	}
	return out, true
}
