// Package media stages uploaded recordings and turns them into a single
// audio file ready for transcription.
package media

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxNameRunes bounds the original file name kept in staged names.
const maxNameRunes = 40

// Upload is a user-supplied recording.
type Upload interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileUpload is an upload backed by a file on disk.
type FileUpload struct {
	Path string
}

func (f FileUpload) Name() string { return filepath.Base(f.Path) }

func (f FileUpload) Open() (io.ReadCloser, error) { return os.Open(f.Path) }

// BytesUpload is an in-memory upload.
type BytesUpload struct {
	Filename string
	Data     []byte
}

func (b BytesUpload) Name() string { return b.Filename }

func (b BytesUpload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// StagedName returns the scratch file name for the index-th upload of a session.
func StagedName(sessionID string, index int, original string) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	if base == "." || base == "/" {
		base = "upload"
	}
	if r := []rune(base); len(r) > maxNameRunes {
		base = string(r[:maxNameRunes])
	}
	return fmt.Sprintf("%s_%d_%s", sessionID, index, base)
}

var videoExts = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true,
	".webm": true, ".m4v": true, ".flv": true, ".wmv": true,
}

// IsVideo reports whether path looks like a video container.
func IsVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}
