// Package pipeline runs a session recording through preparation,
// transcription, estimation, note generation and output.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/estimate"
	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/notes"
	"github.com/thebtf/loremonger/internal/progress"
	"github.com/thebtf/loremonger/internal/transcription"
	"github.com/thebtf/loremonger/pkg/models"
)

// State is a step of the run state machine.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateTranscribing    State = "transcribing"
	StateEstimating      State = "estimating"
	StateGeneratingNotes State = "generating-notes"
	StateWritingOutput   State = "writing-output"
	StateDone            State = "done"
	StateError           State = "error"
)

// SessionRepository is the persistence boundary for session metadata.
type SessionRepository interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, id string, patch models.SessionPatch) error
}

// CampaignRepository resolves campaigns and their rosters.
type CampaignRepository interface {
	Get(ctx context.Context, id string) (*models.Campaign, error)
	Players(ctx context.Context, campaignID string) ([]models.Player, error)
}

// Preparer produces the session audio file.
type Preparer interface {
	Prepare(ctx context.Context, sessionID string, uploads []media.Upload) (*media.Prepared, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts transcription.Options) (string, error)
}

// NoteGenerator turns a transcript into notes. ok is false when nothing was produced.
type NoteGenerator interface {
	Generate(ctx context.Context, req notes.Request) (string, bool)
}

// SaveLocationPrompter asks the user where to save notes when the campaign
// has no output directory. It returns the chosen full path, or ok=false.
type SaveLocationPrompter interface {
	SaveLocation(ctx context.Context, suggestedName string) (path string, ok bool, err error)
}

// Config holds orchestrator settings.
type Config struct {
	// SessionDir maps a session ID to its artifact directory.
	SessionDir       func(sessionID string) string
	EstimateModel    string
	Diarize          bool
	ProgressSideFile bool
	Now              func() time.Time
}

// Request starts a run.
type Request struct {
	SessionID string
	Uploads   []media.Upload
	// Prompter overrides the orchestrator prompter for this run.
	Prompter SaveLocationPrompter
	// Reservation is a token from Reserve. When set, Run uses the lock it
	// holds instead of acquiring a new one.
	Reservation string
}

// Result describes a completed run.
type Result struct {
	SessionID      string
	AudioPath      string
	TranscriptPath string
	NotesPath      string
	Duration       float64
	Stats          estimate.Stats
	NoteWordCount  int
}

// Orchestrator runs pipelines. One run per session may be active at a time.
type Orchestrator struct {
	cfg         Config
	sessions    SessionRepository
	campaigns   CampaignRepository
	preparer    Preparer
	transcriber Transcriber
	generator   NoteGenerator
	prompter    SaveLocationPrompter
	metrics     *metrics

	mu        sync.Mutex
	active    map[string]string // session ID -> run token
	states    map[string]State
	logs      map[string]*progress.Log
	observers []func(models.ProgressEntry)
}

// Deps bundles the collaborators of an Orchestrator.
type Deps struct {
	Sessions    SessionRepository
	Campaigns   CampaignRepository
	Preparer    Preparer
	Transcriber Transcriber
	Generator   NoteGenerator
	Prompter    SaveLocationPrompter
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EstimateModel == "" {
		cfg.EstimateModel = notes.DefaultModel
	}
	return &Orchestrator{
		cfg:         cfg,
		sessions:    deps.Sessions,
		campaigns:   deps.Campaigns,
		preparer:    deps.Preparer,
		transcriber: deps.Transcriber,
		generator:   deps.Generator,
		prompter:    deps.Prompter,
		metrics:     newMetrics(),
		active:      make(map[string]string),
		states:      make(map[string]State),
		logs:        make(map[string]*progress.Log),
	}
}

// Observe registers fn to receive every progress entry of every session.
// Call before starting runs.
func (o *Orchestrator) Observe(fn func(models.ProgressEntry)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
	for _, l := range o.logs {
		l.Subscribe(fn)
	}
}

// Progress returns the progress log of a session.
func (o *Orchestrator) Progress(sessionID string) *progress.Log {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.logs[sessionID]
	if !ok {
		l = progress.NewLog(sessionID)
		for _, fn := range o.observers {
			l.Subscribe(fn)
		}
		o.logs[sessionID] = l
	}
	return l
}

// State returns the current or last state of a session's run.
func (o *Orchestrator) State(sessionID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[sessionID]; ok {
		return s
	}
	return StateIdle
}

// Running reports whether a run is active for the session.
func (o *Orchestrator) Running(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

func (o *Orchestrator) acquire(sessionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[sessionID]; busy {
		return "", false
	}
	token := uuid.NewString()
	o.active[sessionID] = token
	o.states[sessionID] = StateIdle
	return token, true
}

// Reserve takes the run lock of a session ahead of Run, so callers that
// start runs asynchronously can refuse a second request immediately. Pass
// the token in Request.Reservation, or hand it back with Release when the
// run is not started.
func (o *Orchestrator) Reserve(sessionID string) (string, error) {
	token, ok := o.acquire(sessionID)
	if !ok {
		return "", ErrRunInProgress
	}
	return token, nil
}

// Release frees a reservation that was never passed to Run.
func (o *Orchestrator) Release(sessionID, token string) {
	o.release(sessionID, token)
}

func (o *Orchestrator) holds(sessionID, token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID] == token
}

func (o *Orchestrator) release(sessionID, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[sessionID] == token {
		delete(o.active, sessionID)
	}
}

func (o *Orchestrator) setState(sessionID string, s State) {
	o.mu.Lock()
	o.states[sessionID] = s
	o.mu.Unlock()
}

// TranscriptPath returns where a session transcript is written.
func (o *Orchestrator) TranscriptPath(sessionID string) string {
	return filepath.Join(o.cfg.SessionDir(sessionID), "transcript.txt")
}

// ProgressPath returns where the progress side-file is written.
func (o *Orchestrator) ProgressPath(sessionID string) string {
	return filepath.Join(o.cfg.SessionDir(sessionID), "progress.json")
}

// Run executes the whole pipeline for one session. A second Run for the
// same session while one is active fails with ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result, err error) {
	token := req.Reservation
	if token == "" {
		var ok bool
		if token, ok = o.acquire(req.SessionID); !ok {
			return nil, ErrRunInProgress
		}
	} else if !o.holds(req.SessionID, token) {
		return nil, ErrRunInProgress
	}
	defer o.release(req.SessionID, token)

	r := &run{
		o:        o,
		ctx:      ctx,
		req:      req,
		log:      o.Progress(req.SessionID),
		result:   &Result{SessionID: req.SessionID},
		prompter: req.Prompter,
	}
	if r.prompter == nil {
		r.prompter = o.prompter
	}
	r.log.Clear()

	started := o.cfg.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("unexpected failure: %v", p)
			log.Error().Interface("panic", p).Str("session", req.SessionID).Msg("Pipeline panicked")
		}
		if err != nil {
			r.fail(err)
			res = nil
		}
		if r.prepared != nil {
			r.prepared.Cleanup()
		}
		o.metrics.recordRun(ctx, err, time.Since(started))
		if o.cfg.ProgressSideFile {
			if serr := r.log.SaveJSON(o.ProgressPath(req.SessionID)); serr != nil {
				log.Warn().Err(serr).Str("session", req.SessionID).Msg("Failed to save progress side-file")
			}
		}
	}()

	if err := r.execute(); err != nil {
		return nil, err
	}
	return r.result, nil
}
