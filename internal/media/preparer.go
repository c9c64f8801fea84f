package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ErrMediaPreparation matches every *PreparationError.
var ErrMediaPreparation = errors.New("media preparation failed")

// PreparationError wraps a failure while staging or transcoding.
type PreparationError struct {
	Step string
	Err  error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("prepare media (%s): %v", e.Step, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

func (e *PreparationError) Is(target error) bool { return target == ErrMediaPreparation }

// Prepared is the outcome of a successful preparation.
type Prepared struct {
	Path     string
	Duration float64
	Scratch  []string
}

// Cleanup removes the staged scratch files.
func (p *Prepared) Cleanup() {
	for _, s := range p.Scratch {
		if err := os.Remove(s); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s).Msg("Failed to remove scratch file")
		}
	}
}

// Preparer stages uploads and produces the session audio file.
type Preparer struct {
	ScratchDir string
	// SessionDir maps a session ID to its artifact directory.
	SessionDir func(sessionID string) string
	Transcoder Transcoder
	Prober     Prober
}

// AudioPath returns where the prepared audio of a session is written.
func (p *Preparer) AudioPath(sessionID string) string {
	return filepath.Join(p.SessionDir(sessionID), "audio.mp3")
}

// Stage copies uploads into the scratch directory, one at a time and in order.
func (p *Preparer) Stage(ctx context.Context, sessionID string, uploads []Upload) ([]string, error) {
	if err := os.MkdirAll(p.ScratchDir, 0750); err != nil {
		return nil, &PreparationError{Step: "stage", Err: err}
	}

	staged := make([]string, 0, len(uploads))
	for i, u := range uploads {
		if err := ctx.Err(); err != nil {
			return staged, &PreparationError{Step: "stage", Err: err}
		}
		dst := filepath.Join(p.ScratchDir, StagedName(sessionID, i, u.Name()))
		if err := copyUpload(u, dst); err != nil {
			return staged, &PreparationError{Step: "stage", Err: fmt.Errorf("%s: %w", u.Name(), err)}
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

func copyUpload(u Upload, dst string) error {
	src, err := u.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Prepare stages uploads, transcodes them into the session audio file and
// probes its duration. Scratch files are returned for the caller to clean up,
// including when preparation fails.
func (p *Preparer) Prepare(ctx context.Context, sessionID string, uploads []Upload) (*Prepared, error) {
	result := &Prepared{}
	if len(uploads) == 0 {
		return result, &PreparationError{Step: "stage", Err: errors.New("no files provided")}
	}

	staged, err := p.Stage(ctx, sessionID, uploads)
	result.Scratch = staged
	if err != nil {
		return result, err
	}

	out, err := p.Transcoder.ConcatenateAndTranscode(ctx, staged, p.AudioPath(sessionID))
	if err != nil {
		return result, &PreparationError{Step: "transcode", Err: err}
	}
	info, err := os.Stat(out)
	if err != nil {
		return result, &PreparationError{Step: "transcode", Err: err}
	}
	if info.Size() == 0 {
		return result, &PreparationError{Step: "transcode", Err: errors.New("output is empty")}
	}
	result.Path = out

	d, err := p.Prober.Duration(ctx, out)
	if err != nil {
		return result, &PreparationError{Step: "probe", Err: err}
	}
	result.Duration = d

	log.Info().
		Str("session", sessionID).
		Int("files", len(uploads)).
		Float64("duration", d).
		Msg("Media prepared")
	return result, nil
}
