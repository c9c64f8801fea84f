package transcription

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/media"
)

// Upload limits for the whisper endpoint.
const (
	MaxRequestBytes = 25 << 20
	ChunkBytes      = 20 << 20
)

// BridgeRequest is the payload handed to a bridge.
type BridgeRequest struct {
	AudioData []byte `json:"audio_data"`
	APIKey    string `json:"api_key"`
}

// BridgeResponse is what a bridge returns.
type BridgeResponse struct {
	Text string `json:"text"`
}

// Bridge performs transcription outside the main provider abstraction,
// for example in a helper process.
type Bridge interface {
	Invoke(ctx context.Context, req BridgeRequest) (BridgeResponse, error)
}

// Bridged reads the whole audio into memory and delegates to a Bridge.
type Bridged struct {
	name   string
	bridge Bridge
}

// NewBridged returns a provider that delegates to bridge.
func NewBridged(name string, bridge Bridge) *Bridged {
	return &Bridged{name: name, bridge: bridge}
}

func (b *Bridged) Name() string { return b.name }

func (b *Bridged) Transcribe(ctx context.Context, req Request) (string, error) {
	resp, err := b.bridge.Invoke(ctx, BridgeRequest{AudioData: req.Audio, APIKey: req.APIKey})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ChunkSeparator joins the transcripts of consecutive audio slices.
const ChunkSeparator = "\n\n"

// OpenAIBridge transcribes with whisper-1. Payloads over MaxRequestBytes
// are split into time slices and the transcripts joined in order.
type OpenAIBridge struct {
	BaseURL  string
	Model    string
	Client   *http.Client
	Splitter media.Splitter
	TempDir  string
}

// NewOpenAIBridge returns a bridge against baseURL (the public API when blank).
func NewOpenAIBridge(baseURL string, splitter media.Splitter) *OpenAIBridge {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIBridge{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Model:    "whisper-1",
		Client:   newClient(0),
		Splitter: splitter,
	}
}

// Invoke transcribes req.AudioData.
func (o *OpenAIBridge) Invoke(ctx context.Context, req BridgeRequest) (BridgeResponse, error) {
	if len(req.AudioData) <= MaxRequestBytes || o.Splitter == nil {
		text, err := o.transcribe(ctx, req.APIKey, req.AudioData)
		return BridgeResponse{Text: text}, err
	}

	dir, err := os.MkdirTemp(o.TempDir, "whisper-*")
	if err != nil {
		return BridgeResponse{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "source.mp3")
	if err := os.WriteFile(src, req.AudioData, 0600); err != nil {
		return BridgeResponse{}, fmt.Errorf("write temp audio: %w", err)
	}

	parts := (len(req.AudioData) + ChunkBytes - 1) / ChunkBytes
	chunks, err := o.Splitter.Split(ctx, src, filepath.Join(dir, "chunks"), parts)
	if err != nil {
		return BridgeResponse{}, fmt.Errorf("split audio: %w", err)
	}
	log.Info().Int("chunks", len(chunks)).Int("bytes", len(req.AudioData)).Msg("Audio split for transcription")

	texts := make([]string, 0, len(chunks))
	for i, c := range chunks {
		data, err := os.ReadFile(c)
		if err != nil {
			return BridgeResponse{}, fmt.Errorf("read chunk %d: %w", i, err)
		}
		text, err := o.transcribe(ctx, req.APIKey, data)
		if err != nil {
			return BridgeResponse{}, fmt.Errorf("chunk %d: %w", i, err)
		}
		texts = append(texts, text)
	}
	return BridgeResponse{Text: strings.Join(texts, ChunkSeparator)}, nil
}

func (o *OpenAIBridge) transcribe(ctx context.Context, apiKey string, audio []byte) (string, error) {
	data, err := postMultipart(ctx, o.Client, o.BaseURL+"/v1/audio/transcriptions",
		map[string]string{"Authorization": "Bearer " + apiKey},
		map[string]string{"model": o.Model, "response_format": "json"},
		formFile{field: "file", filename: "audio.mp3", data: audio},
	)
	if err != nil {
		return "", err
	}
	var resp BridgeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return resp.Text, nil
}

// CommandBridge runs an external program that reads a JSON BridgeRequest
// on stdin and writes a JSON BridgeResponse on stdout.
type CommandBridge struct {
	Command string
	Args    []string
}

// Invoke runs the command once.
func (c *CommandBridge) Invoke(ctx context.Context, req BridgeRequest) (BridgeResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return BridgeResponse{}, err
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return BridgeResponse{}, fmt.Errorf("bridge %s: %w: %s", c.Command, err, truncate(strings.TrimSpace(stderr.String()), 300))
	}

	var resp BridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return BridgeResponse{}, fmt.Errorf("decode bridge output: %w", err)
	}
	return resp, nil
}
