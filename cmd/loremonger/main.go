// Package main provides the loremonger command line and worker entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/loremonger/internal/config"
	"github.com/thebtf/loremonger/internal/credentials"
	gormdb "github.com/thebtf/loremonger/internal/db/gorm"
	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/notes"
	"github.com/thebtf/loremonger/internal/pipeline"
	"github.com/thebtf/loremonger/internal/secrets"
	"github.com/thebtf/loremonger/internal/transcription"
)

// Version is set at build time via ldflags.
var Version = "dev"

// passphraseEnv unlocks the encrypted vault; without it only the environment is consulted.
const passphraseEnv = "LOREMONGER_VAULT_PASSPHRASE"

const usage = `usage: loremonger [-debug] <command> [flags]

commands:
  campaign import -file campaigns.yaml
  campaign list
  session create -campaign ID [-name NAME] [-date YYYY-MM-DD]
  session list -campaign ID
  secret set -key KEY -value VALUE
  process -session ID [-debug-notes] FILE...
  serve
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command line and returns the process exit code. It
// returns instead of exiting so deferred cleanup, such as closing the
// database, always runs.
func run(argv []string) int {
	fs := flag.NewFlagSet("loremonger", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return 2
	}

	if err := config.EnsureAll(); err != nil {
		log.Error().Err(err).Msg("Failed to ensure data directories")
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info().Msg("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return 1
	}
	defer a.close()

	return exitCode(a.dispatch(ctx, args))
}

// exitCode reports err and maps it to an exit status: 2 for usage errors,
// 1 for any other failure.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	log.Error().Err(err).Msg("Command failed")
	return 1
}

type usageError string

func (e usageError) Error() string { return string(e) }

// app holds the process-wide collaborators shared by every command.
type app struct {
	cfg       *config.Config
	store     *gormdb.Store
	campaigns *gormdb.CampaignStore
	sessions  *gormdb.SessionStore
	secrets   secrets.Store
	vault     *secrets.Vault
	creds     *credentials.Cache
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     config.DBPath(),
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{
		cfg:       cfg,
		store:     store,
		campaigns: gormdb.NewCampaignStore(store),
		sessions:  gormdb.NewSessionStore(store),
	}

	chain := secrets.Chain{}
	if pass := os.Getenv(passphraseEnv); pass != "" {
		a.vault = secrets.NewVault(config.VaultPath(), []byte(pass))
		chain = append(chain, a.vault)
	} else {
		log.Debug().Str("env", passphraseEnv).Msg("Vault passphrase not set, reading secrets from the environment only")
	}
	chain = append(chain, secrets.NewEnvStore())
	a.secrets = chain
	a.creds = credentials.NewCache(chain)
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// orchestrator wires the full pipeline. prompter may be nil for
// non-interactive callers.
func (a *app) orchestrator(ctx context.Context, notesMode notes.Mode, prompter pipeline.SaveLocationPrompter) (*pipeline.Orchestrator, error) {
	ff := media.NewFFmpeg(a.cfg.FFmpegPath)

	kind, err := a.transcriptionKind(ctx)
	if err != nil {
		return nil, err
	}
	transcriber, err := transcription.New(kind, transcription.ProviderConfig{
		ElevenLabsBaseURL: a.cfg.ElevenLabsBaseURL,
		OpenAIBaseURL:     a.cfg.OpenAIBaseURL,
		BridgeCommand:     a.cfg.TranscriptionBridge,
		Splitter:          ff,
		TempDir:           a.cfg.ScratchPath(),
		HTTPTimeout:       a.cfg.HTTPTimeout(),
	}, a.creds, transcription.WithErrorHook(func(err error) {
		log.Error().Err(err).Str("provider", string(kind)).Msg("Transcription provider failed")
	}))
	if err != nil {
		return nil, err
	}

	generator := notes.NewGenerator(notesMode, a.cfg.NotesModel, notes.NewOpenAIClient(a.cfg.OpenAIBaseURL, a.cfg.HTTPTimeout()), a.creds)

	log.Debug().
		Str("transcription", string(kind)).
		Str("notesMode", string(generator.Mode)).
		Str("notesModel", generator.Model).
		Msg("Pipeline configured")

	return pipeline.New(pipeline.Config{
		SessionDir:       config.SessionDir,
		EstimateModel:    a.cfg.EstimateModel,
		Diarize:          a.cfg.Diarize,
		ProgressSideFile: a.cfg.ProgressSideFile,
	}, pipeline.Deps{
		Sessions:  a.sessions,
		Campaigns: a.campaigns,
		Preparer: &media.Preparer{
			ScratchDir: a.cfg.ScratchPath(),
			SessionDir: config.SessionDir,
			Transcoder: ff,
			Prober:     ff,
		},
		Transcriber: transcriber,
		Generator:   generator,
		Prompter:    prompter,
	}), nil
}

// transcriptionKind prefers the secret store setting and falls back to settings.json.
func (a *app) transcriptionKind(ctx context.Context) (transcription.Kind, error) {
	if _, err := a.secrets.Get(ctx, secrets.KeyTranscriptionService); err == nil {
		return transcription.KindFromStore(ctx, a.secrets)
	}
	return transcription.ParseKind(a.cfg.TranscriptionService)
}

func (a *app) notesMode() notes.Mode {
	if a.cfg.NotesMode == config.NotesModeDebug {
		return notes.ModeDebug
	}
	return notes.ModeLive
}
