package whisperlive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voxloop/internal/ports"
	"voxloop/internal/providers/wsstream"
)

// EndOfAudio is the sentinel WhisperLive expects after the last frame.
const EndOfAudio = "END_OF_AUDIO"

// Config controls the WhisperLive websocket.
type Config struct {
	URL         string
	DialTimeout time.Duration
}

// Dialer implements ports.TranscriptionDialer for WhisperLive servers.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "ws://localhost:9090"
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context, _ ports.SessionConfig) (ports.TranscriptionConn, error) {
	conn, err := wsstream.Dial(ctx, wsstream.DialConfig{
		URL:         d.cfg.URL,
		DialTimeout: d.cfg.DialTimeout,
	}, Protocol())
	if err != nil {
		return nil, err
	}
	return &streamingConn{Conn: conn}, nil
}

// Protocol returns the WhisperLive wire format.
func Protocol() wsstream.Protocol {
	return wsstream.Protocol{
		Name:        "whisperlive",
		Decode:      decodeMessage,
		EncodeAudio: PCMToFloat32,
		EndOfStream: wsstream.Message{Type: websocket.BinaryMessage, Data: []byte(EndOfAudio)},
	}
}

type streamingConn struct {
	*wsstream.Conn
}

func (c *streamingConn) SendConfig(cfg ports.SessionConfig) error {
	payload, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := c.WriteText(payload); err != nil {
		return fmt.Errorf("failed to send whisperlive config: %w", err)
	}
	return nil
}

func encodeConfig(cfg ports.SessionConfig) ([]byte, error) {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("whisperlive config requires a session id")
	}

	message := map[string]any{}
	for key, value := range cfg.Tuning {
		message[key] = value
	}

	message["uid"] = cfg.SessionID
	message["language"] = cfg.Language
	message["task"] = defaultString(cfg.Task, "transcribe")
	message["model"] = defaultString(cfg.Model, "small")
	message["use_vad"] = cfg.UseVAD

	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode whisperlive config: %w", err)
	}
	return payload, nil
}

// PCMToFloat32 converts s16le samples to float32 little-endian in [-1,1).
func PCMToFloat32(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		// #nosec G115 -- reinterpreting the unsigned word as a signed sample
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(sample)/32768))
	}
	return out
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
