package transcription

import (
	"fmt"
	"strings"
	"time"

	"github.com/thebtf/loremonger/internal/media"
)

// ProviderConfig holds what New needs to build either variant.
type ProviderConfig struct {
	ElevenLabsBaseURL string
	OpenAIBaseURL     string
	// BridgeCommand replaces the in-process OpenAI bridge when set.
	BridgeCommand string
	Splitter      media.Splitter
	TempDir       string
	// HTTPTimeout bounds each provider call; zero means no client timeout.
	HTTPTimeout time.Duration
}

// New builds the Service for kind.
func New(kind Kind, cfg ProviderConfig, creds Credentials, opts ...Option) (*Service, error) {
	var p Provider
	switch kind {
	case KindElevenLabs:
		el := NewElevenLabs(cfg.ElevenLabsBaseURL)
		el.Client = newClient(cfg.HTTPTimeout)
		p = el
	case KindOpenAI:
		var bridge Bridge
		if cfg.BridgeCommand != "" {
			fields := strings.Fields(cfg.BridgeCommand)
			bridge = &CommandBridge{Command: fields[0], Args: fields[1:]}
		} else {
			ob := NewOpenAIBridge(cfg.OpenAIBaseURL, cfg.Splitter)
			ob.TempDir = cfg.TempDir
			ob.Client = newClient(cfg.HTTPTimeout)
			bridge = ob
		}
		p = NewBridged("openai", bridge)
	default:
		return nil, fmt.Errorf("unknown transcription service %q", kind)
	}
	return NewService(kind, p, creds, opts...), nil
}
