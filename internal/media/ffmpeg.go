package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Transcoder turns one or more inputs into a single audio file.
type Transcoder interface {
	ConcatenateAndTranscode(ctx context.Context, inputs []string, output string) (string, error)
}

// Prober reports the duration of a media file in seconds.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Splitter cuts a media file into sequential time slices.
type Splitter interface {
	Split(ctx context.Context, input, outDir string, parts int) ([]string, error)
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg drives the ffmpeg binary. It implements Transcoder, Prober and Splitter.
type FFmpeg struct {
	Path string
	Run  Runner
}

// NewFFmpeg returns an FFmpeg using the binary at path ("ffmpeg" when blank).
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, Run: execRunner}
}

func (f *FFmpeg) run(ctx context.Context, args ...string) ([]byte, error) {
	run := f.Run
	if run == nil {
		run = execRunner
	}
	log.Debug().Strs("args", args).Msg("Running ffmpeg")
	out, err := run(ctx, f.Path, args...)
	if err != nil {
		return out, fmt.Errorf("ffmpeg %s: %w: %s", args[len(args)-1], err, tail(out, 512))
	}
	return out, nil
}

// ConcatenateAndTranscode writes inputs, in order, into one mp3 at output.
// Video inputs are first extracted to PCM WAV next to the output.
func (f *FFmpeg) ConcatenateAndTranscode(ctx context.Context, inputs []string, output string) (string, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("no inputs")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	sources := make([]string, 0, len(inputs))
	var extracted []string
	defer func() {
		for _, p := range extracted {
			_ = os.Remove(p)
		}
	}()
	for i, in := range inputs {
		if !IsVideo(in) {
			sources = append(sources, in)
			continue
		}
		wav := filepath.Join(filepath.Dir(output), fmt.Sprintf("extract_%d.wav", i))
		if _, err := f.run(ctx, "-y", "-i", in, "-vn", "-acodec", "pcm_s16le", "-ar", "44100", "-ac", "2", wav); err != nil {
			return "", err
		}
		extracted = append(extracted, wav)
		sources = append(sources, wav)
	}

	if len(sources) == 1 {
		_, err := f.run(ctx, "-y", "-i", sources[0], "-vn", "-acodec", "libmp3lame", "-q:a", "2", output)
		if err != nil {
			return "", err
		}
		return output, nil
	}

	list := output + ".concat.txt"
	if err := os.WriteFile(list, []byte(ConcatList(sources)), 0600); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(list)

	_, err := f.run(ctx, "-y", "-f", "concat", "-safe", "0", "-i", list, "-vn", "-acodec", "libmp3lame", "-q:a", "2", output)
	if err != nil {
		return "", err
	}
	return output, nil
}

// ConcatList renders an ffmpeg concat demuxer list for paths.
func ConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

var durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseDuration extracts the "Duration: HH:MM:SS.ms" value from ffmpeg output.
func ParseDuration(output string) (float64, error) {
	m := durationRe.FindStringSubmatch(output)
	if m == nil {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, fmt.Errorf("parse seconds %q: %w", m[3], err)
	}
	return float64(h*3600+mins*60) + sec, nil
}

// Duration probes path with "ffmpeg -i". ffmpeg exits non-zero without an
// output file, so the exit status is ignored when a duration was printed.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	run := f.Run
	if run == nil {
		run = execRunner
	}
	out, runErr := run(ctx, f.Path, "-hide_banner", "-i", path)
	d, err := ParseDuration(string(out))
	if err != nil {
		if runErr != nil {
			return 0, fmt.Errorf("probe %s: %w", path, runErr)
		}
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	return d, nil
}

// Split cuts input into parts slices of equal duration, copying the codec.
func (f *FFmpeg) Split(ctx context.Context, input, outDir string, parts int) ([]string, error) {
	if parts < 1 {
		parts = 1
	}
	total, err := f.Duration(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return nil, fmt.Errorf("create split dir: %w", err)
	}

	step := total / float64(parts)
	ext := filepath.Ext(input)
	out := make([]string, 0, parts)
	for i := 0; i < parts; i++ {
		chunk := filepath.Join(outDir, fmt.Sprintf("chunk_%03d%s", i, ext))
		args := []string{
			"-y",
			"-ss", strconv.FormatFloat(step*float64(i), 'f', 3, 64),
			"-t", strconv.FormatFloat(step, 'f', 3, 64),
			"-i", input,
			"-acodec", "copy",
			chunk,
		}
		if _, err := f.run(ctx, args...); err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
