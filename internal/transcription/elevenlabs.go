package transcription

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ElevenLabs transcribes with the scribe speech-to-text model and can
// label speakers.
type ElevenLabs struct {
	BaseURL string
	Model   string
	// Language is an ISO-639 code; English by default.
	Language string
	Client   *http.Client
}

// NewElevenLabs returns a provider against baseURL (the public API when blank).
func NewElevenLabs(baseURL string) *ElevenLabs {
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	return &ElevenLabs{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Model:    "scribe_v1",
		Language: "eng",
		Client:   newClient(0),
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenLabsWord struct {
	Text      string  `json:"text"`
	Type      string  `json:"type"`
	SpeakerID string  `json:"speaker_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

type elevenLabsResponse struct {
	LanguageCode string           `json:"language_code"`
	Text         string           `json:"text"`
	Words        []elevenLabsWord `json:"words"`
}

// Transcribe posts the audio to /v1/speech-to-text.
func (e *ElevenLabs) Transcribe(ctx context.Context, req Request) (string, error) {
	fields := map[string]string{
		"model_id":         e.Model,
		"tag_audio_events": "true",
		"language_code":    e.Language,
		"diarize":          "true",
	}
	if req.SpeakerCount > 0 {
		fields["num_speakers"] = strconv.Itoa(req.SpeakerCount)
	}

	data, err := postMultipart(ctx, e.Client, e.BaseURL+"/v1/speech-to-text",
		map[string]string{"xi-api-key": req.APIKey},
		fields,
		formFile{field: "file", filename: "audio.mp3", data: req.Audio},
	)
	if err != nil {
		return "", err
	}

	var resp elevenLabsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if req.Diarized && len(resp.Words) > 0 {
		return speakerLines(resp.Words), nil
	}
	return resp.Text, nil
}

// speakerLines groups words into one "speaker: text" line per speaker turn.
func speakerLines(words []elevenLabsWord) string {
	var (
		out     strings.Builder
		line    strings.Builder
		speaker string
	)
	flush := func() {
		text := strings.Join(strings.Fields(line.String()), " ")
		if text != "" {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			name := speaker
			if name == "" {
				name = "unknown"
			}
			out.WriteString(name)
			out.WriteString(": ")
			out.WriteString(text)
		}
		line.Reset()
	}

	for _, w := range words {
		if w.Type != "spacing" && w.SpeakerID != speaker {
			flush()
			speaker = w.SpeakerID
		}
		if w.Type == "spacing" {
			line.WriteByte(' ')
			continue
		}
		line.WriteString(w.Text)
	}
	flush()
	return out.String()
}
