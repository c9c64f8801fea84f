package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/estimate"
	"github.com/thebtf/loremonger/internal/media"
	"github.com/thebtf/loremonger/internal/naming"
	"github.com/thebtf/loremonger/internal/notes"
	"github.com/thebtf/loremonger/internal/progress"
	"github.com/thebtf/loremonger/internal/transcription"
	"github.com/thebtf/loremonger/pkg/models"
)

// run carries the state of one pipeline execution.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	req      Request
	log      *progress.Log
	result   *Result
	prompter SaveLocationPrompter

	session  *models.Session
	campaign *models.Campaign
	players  []models.Player
	prepared *media.Prepared
	notes    string
	failTag  models.ProgressTag
}

func (r *run) execute() error {
	steps := []struct {
		state State
		fn    func() error
	}{
		{StateIdle, r.validate},
		{StatePreparing, r.prepare},
		{StateTranscribing, r.transcribe},
		{StateEstimating, r.estimate},
		{StateGeneratingNotes, r.generate},
		{StateWritingOutput, r.write},
	}
	for _, s := range steps {
		r.o.setState(r.req.SessionID, s.state)
		start := time.Now()
		err := s.fn()
		r.o.metrics.recordStage(r.ctx, s.state, time.Since(start))
		if err != nil {
			return err
		}
	}

	r.log.Append(models.TagCleanUp, models.StatusLoading, "Cleaning up temporary files")
	if r.prepared != nil {
		r.prepared.Cleanup()
		r.prepared = nil
	}
	r.log.Append(models.TagCleanUp, models.StatusSuccess, "Temporary files removed")

	r.o.setState(r.req.SessionID, StateDone)
	r.log.Append(models.TagDone, models.StatusSuccess, "Notes saved to %s", r.result.NotesPath)
	log.Info().
		Str("session", r.req.SessionID).
		Str("notes", r.result.NotesPath).
		Int("words", r.result.Stats.Words).
		Msg("Pipeline finished")
	return nil
}

// fail records the terminal error entry and moves the run to the error state.
func (r *run) fail(err error) {
	r.o.setState(r.req.SessionID, StateError)
	tag := models.TagError
	if r.failTag != "" {
		tag = r.failTag
	}
	r.log.Append(tag, models.StatusError, "%s", err.Error())
	log.Error().Err(err).Str("session", r.req.SessionID).Str("tag", string(tag)).Msg("Pipeline failed")
}

func (r *run) validate() error {
	r.log.Append(models.TagInit, models.StatusLoading, "Loading session")

	if r.req.SessionID == "" {
		return &ValidationError{Msg: "no session selected"}
	}
	sess, err := r.o.sessions.Get(r.ctx, r.req.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return &ValidationError{Msg: fmt.Sprintf("session %s not found", r.req.SessionID)}
	}
	camp, err := r.o.campaigns.Get(r.ctx, sess.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if camp == nil {
		return &ValidationError{Msg: fmt.Sprintf("campaign %s for session %d not found", sess.CampaignID, sess.Number)}
	}
	players, err := r.o.campaigns.Players(r.ctx, camp.ID)
	if err != nil {
		return fmt.Errorf("load players: %w", err)
	}
	if len(r.req.Uploads) == 0 {
		return &ValidationError{Msg: "no recordings were provided"}
	}

	r.session, r.campaign, r.players = sess, camp, players
	r.log.Append(models.TagInit, models.StatusSuccess, "Processing session %d of %s", sess.Number, camp.Name)
	return nil
}

func (r *run) prepare() error {
	r.log.Append(models.TagPrepare, models.StatusLoading, "Preparing %d file(s)", len(r.req.Uploads))
	prepared, err := r.o.preparer.Prepare(r.ctx, r.req.SessionID, r.req.Uploads)
	r.prepared = prepared
	if err != nil {
		return err
	}
	r.result.AudioPath = prepared.Path
	r.result.Duration = prepared.Duration
	r.log.Append(models.TagPrepare, models.StatusSuccess, "Audio ready (%s)", formatDuration(prepared.Duration))
	return nil
}

func (r *run) transcribe() error {
	r.log.Append(models.TagPreProcess, models.StatusLoading, "Reading audio")
	audio, err := os.ReadFile(r.result.AudioPath)
	if err != nil {
		return fmt.Errorf("read prepared audio: %w", err)
	}
	r.log.Append(models.TagPreProcess, models.StatusSuccess, "Audio loaded")

	r.log.Append(models.TagTranscribe, models.StatusLoading, "Transcribing audio")
	text, err := r.o.transcriber.Transcribe(r.ctx, audio, transcription.Options{
		SpeakerCount: r.speakerCount(),
		Diarized:     r.o.cfg.Diarize,
	})
	if err != nil {
		return err
	}

	path := r.o.TranscriptPath(r.req.SessionID)
	if err := writeFile(path, text); err != nil {
		return err
	}
	r.result.TranscriptPath = path
	r.log.Append(models.TagTranscribe, models.StatusSuccess, "Transcript saved to %s", path)
	return nil
}

// speakerCount prefers the campaign hint and falls back to roster size plus the DM.
func (r *run) speakerCount() int {
	if r.campaign.SpeakerCount > 0 {
		return r.campaign.SpeakerCount
	}
	if len(r.players) == 0 {
		return 0
	}
	return len(r.players) + 1
}

func (r *run) transcript() (string, error) {
	data, err := os.ReadFile(r.result.TranscriptPath)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

func (r *run) estimate() error {
	text, err := r.transcript()
	if err != nil {
		return err
	}
	stats, err := estimate.Estimate(r.o.cfg.EstimateModel, text)
	if err != nil {
		return err
	}
	r.result.Stats = stats
	r.log.Append(models.TagGenerate, models.StatusIdle, "Transcript: %d words, %d tokens, estimated cost %s",
		stats.Words, stats.Tokens, estimate.FormatCost(stats.Cost))
	return nil
}

func (r *run) generate() error {
	text, err := r.transcript()
	if err != nil {
		return err
	}
	r.log.Append(models.TagGenerateNotes, models.StatusLoading, "Generating notes")
	out, ok := r.o.generator.Generate(r.ctx, notes.Request{
		Transcript:         text,
		DMName:             r.campaign.DMName,
		Players:            r.players,
		CustomSystemPrompt: r.campaign.CustomSystemPrompt,
	})
	if !ok {
		r.failTag = models.TagGenerateNotes
		return ErrNoteGenerationAbsent
	}
	r.notes = out
	r.log.Append(models.TagGenerateNotes, models.StatusSuccess, "Notes generated")
	return nil
}

func (r *run) write() error {
	meta := naming.Meta{
		CampaignName:  r.campaign.Name,
		SessionNumber: r.session.Number,
		SessionName:   r.session.Name,
		Now:           r.o.cfg.Now(),
	}
	name := naming.FileName(r.campaign.NamingConvention, meta)

	var path string
	if dir, ok := naming.OutputDir(r.campaign.OutputDirectory, meta); ok {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return &FileWriteError{Path: dir, Err: err}
		}
		path = filepath.Join(dir, name)
	} else {
		if r.prompter == nil {
			return &FileWriteError{Err: fmt.Errorf("%w: campaign has no output directory configured", ErrSaveDeclined)}
		}
		r.log.Append(models.TagDone, models.StatusLoading, "Choose where to save the notes")
		chosen, ok, err := r.prompter.SaveLocation(r.ctx, name)
		if err != nil {
			return &FileWriteError{Err: err}
		}
		if !ok || chosen == "" {
			return &FileWriteError{Err: ErrSaveDeclined}
		}
		path = chosen
	}

	if err := writeFile(path, r.notes); err != nil {
		return err
	}

	noteWords := models.CountWords(r.notes)
	duration := r.result.Duration
	words := r.result.Stats.Words
	patch := models.SessionPatch{
		Duration:      &duration,
		WordCount:     &words,
		NoteWordCount: &noteWords,
		FilePath:      &path,
		UpdatedAt:     r.o.cfg.Now(),
	}
	if err := r.o.sessions.Update(r.ctx, r.req.SessionID, patch); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	r.result.NotesPath = path
	r.result.NoteWordCount = noteWords
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return &FileWriteError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return &FileWriteError{Path: path, Err: err}
	}
	return nil
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	return d.String()
}

// IsNoteGenerationAbsent reports whether err means the transcript was saved
// but no notes were produced.
func IsNoteGenerationAbsent(err error) bool {
	return errors.Is(err, ErrNoteGenerationAbsent)
}
