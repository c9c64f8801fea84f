// Package config provides configuration management for loremonger.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the HTTP port the worker listens on.
	DefaultWorkerPort = 37811
	// DefaultNotesModel is the chat model used for note generation.
	DefaultNotesModel = "gpt-5-nano"
	// DefaultTranscriptionService is used when no service is configured.
	DefaultTranscriptionService = "elevenlabs"
)

// Notes modes.
const (
	NotesModeLive  = "live"
	NotesModeDebug = "debug"
)

// Config holds the loremonger settings.
type Config struct {
	WorkerPort           int    `json:"LOREMONGER_WORKER_PORT"`
	MaxConns             int    `json:"LOREMONGER_MAX_CONNS"`
	NotesModel           string `json:"LOREMONGER_NOTES_MODEL"`
	NotesMode            string `json:"LOREMONGER_NOTES_MODE"`
	EstimateModel        string `json:"LOREMONGER_ESTIMATE_MODEL"`
	TranscriptionService string `json:"LOREMONGER_TRANSCRIPTION_SERVICE"`
	FFmpegPath           string `json:"LOREMONGER_FFMPEG_PATH"`
	ScratchDir           string `json:"LOREMONGER_SCRATCH_DIR"`
	Diarize              bool   `json:"LOREMONGER_DIARIZE"`
	ProgressSideFile     bool   `json:"LOREMONGER_PROGRESS_SIDEFILE"`
	OpenAIBaseURL        string `json:"LOREMONGER_OPENAI_BASE_URL"`
	ElevenLabsBaseURL    string `json:"LOREMONGER_ELEVENLABS_BASE_URL"`
	// TranscriptionBridge, when set, is an external program that receives
	// the audio bytes and API key as JSON on stdin.
	TranscriptionBridge string `json:"LOREMONGER_TRANSCRIPTION_BRIDGE"`
	// HTTPTimeoutSeconds bounds each provider HTTP call. Zero, the default,
	// sets no client timeout; calls end when they complete or are cancelled.
	HTTPTimeoutSeconds int `json:"LOREMONGER_HTTP_TIMEOUT_SECONDS"`
}

var (
	cached   *Config
	cachedMu sync.Mutex
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WorkerPort:           DefaultWorkerPort,
		MaxConns:             4,
		NotesModel:           DefaultNotesModel,
		NotesMode:            NotesModeLive,
		EstimateModel:        DefaultNotesModel,
		TranscriptionService: DefaultTranscriptionService,
		FFmpegPath:           "ffmpeg",
		Diarize:              true,
		ProgressSideFile:     true,
		OpenAIBaseURL:        "https://api.openai.com",
		ElevenLabsBaseURL:    "https://api.elevenlabs.io",
	}
}

// DataDir returns the loremonger data directory.
// LOREMONGER_DATA_DIR overrides the default ~/.loremonger.
func DataDir() string {
	if dir := os.Getenv("LOREMONGER_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".loremonger")
}

// DBPath returns the sqlite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "loremonger.db")
}

// SettingsPath returns the settings.json path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// VaultPath returns the encrypted secret vault path.
func VaultPath() string {
	return filepath.Join(DataDir(), "vault.bin")
}

// SessionDir returns the per-session artifact directory.
func SessionDir(sessionID string) string {
	return filepath.Join(DataDir(), "sessions", sessionID)
}

// EnsureDataDir creates the data directory if needed.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings.json when none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json over the defaults. A missing or malformed
// file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return cfg, nil
	}
	merge(cfg, &loaded, data)
	cfg.normalize()
	return cfg, nil
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	if cached == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		cached = cfg
	}
	return cached
}

// Reset drops the cached configuration so the next Get reloads it.
func Reset() {
	cachedMu.Lock()
	cached = nil
	cachedMu.Unlock()
}

// GetWorkerPort returns the worker port, honouring LOREMONGER_WORKER_PORT.
func GetWorkerPort() int {
	if v := os.Getenv("LOREMONGER_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}

// merge copies the keys that were present in the raw settings onto cfg,
// so that explicit false values for booleans are kept.
func merge(cfg, loaded *Config, raw []byte) {
	var present map[string]json.RawMessage
	_ = json.Unmarshal(raw, &present)
	has := func(k string) bool { _, ok := present[k]; return ok }

	if loaded.WorkerPort > 0 {
		cfg.WorkerPort = loaded.WorkerPort
	}
	if loaded.MaxConns > 0 {
		cfg.MaxConns = loaded.MaxConns
	}
	if loaded.NotesModel != "" {
		cfg.NotesModel = loaded.NotesModel
	}
	if loaded.NotesMode != "" {
		cfg.NotesMode = loaded.NotesMode
	}
	if loaded.EstimateModel != "" {
		cfg.EstimateModel = loaded.EstimateModel
	}
	if loaded.TranscriptionService != "" {
		cfg.TranscriptionService = loaded.TranscriptionService
	}
	if loaded.FFmpegPath != "" {
		cfg.FFmpegPath = loaded.FFmpegPath
	}
	if loaded.ScratchDir != "" {
		cfg.ScratchDir = loaded.ScratchDir
	}
	if loaded.OpenAIBaseURL != "" {
		cfg.OpenAIBaseURL = loaded.OpenAIBaseURL
	}
	if loaded.ElevenLabsBaseURL != "" {
		cfg.ElevenLabsBaseURL = loaded.ElevenLabsBaseURL
	}
	if loaded.TranscriptionBridge != "" {
		cfg.TranscriptionBridge = loaded.TranscriptionBridge
	}
	if loaded.HTTPTimeoutSeconds > 0 {
		cfg.HTTPTimeoutSeconds = loaded.HTTPTimeoutSeconds
	}
	if has("LOREMONGER_DIARIZE") {
		cfg.Diarize = loaded.Diarize
	}
	if has("LOREMONGER_PROGRESS_SIDEFILE") {
		cfg.ProgressSideFile = loaded.ProgressSideFile
	}
}

func (c *Config) normalize() {
	c.NotesMode = strings.ToLower(strings.TrimSpace(c.NotesMode))
	if c.NotesMode != NotesModeDebug {
		c.NotesMode = NotesModeLive
	}
	c.TranscriptionService = strings.ToLower(strings.TrimSpace(c.TranscriptionService))
}

// HTTPTimeout returns the provider call timeout; zero when none is configured.
func (c *Config) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// ScratchPath returns the configured scratch directory or a temp dir under the data dir.
func (c *Config) ScratchPath() string {
	if c.ScratchDir != "" {
		return c.ScratchDir
	}
	return filepath.Join(DataDir(), "scratch")
}
