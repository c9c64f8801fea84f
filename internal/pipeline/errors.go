package pipeline

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when a session already has an active run.
var ErrRunInProgress = errors.New("a run is already in progress for this session")

// ErrNoteGenerationAbsent is returned when the note generator produced nothing.
// The transcript has already been written when this is returned.
var ErrNoteGenerationAbsent = errors.New("no notes were generated")

// ValidationError reports a run that cannot start.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// FileWriteError reports a failure to write an output artifact.
type FileWriteError struct {
	Path string
	Err  error
}

func (e *FileWriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("write output: %v", e.Err)
	}
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *FileWriteError) Unwrap() error { return e.Err }

// ErrSaveDeclined is wrapped in a FileWriteError when no save location was chosen.
var ErrSaveDeclined = errors.New("no save location chosen")
