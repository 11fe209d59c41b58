package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
	"voxloop/internal/providers/wsstream"
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey         string
	APIBaseURL     string
	Model          string
	Language       string
	SmartFormat    bool
	InterimResults bool
	DialTimeout    time.Duration
}

// Dialer implements ports.TranscriptionDialer for Deepgram.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context, cfg ports.SessionConfig) (ports.TranscriptionConn, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(d.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, err := wsstream.Dial(ctx, wsstream.DialConfig{
		URL:         wsURL,
		Headers:     headers,
		DialTimeout: d.cfg.DialTimeout,
	}, Protocol())
	if err != nil {
		return nil, err
	}
	return &streamingConn{Conn: conn}, nil
}

// Protocol returns the Deepgram live wire format. Audio is sent as linear16.
func Protocol() wsstream.Protocol {
	return wsstream.Protocol{
		Name:        "deepgram",
		Decode:      decodeMessage,
		EndOfStream: wsstream.Message{Type: websocket.TextMessage, Data: []byte(`{"type":"CloseStream"}`)},
	}
}

type streamingConn struct {
	*wsstream.Conn
}

// SendConfig is a no-op on the wire: Deepgram takes its configuration from
// the listen URL and accepts audio as soon as the socket is open, so the
// session is told it is ready right away.
func (c *streamingConn) SendConfig(ports.SessionConfig) error {
	c.Inject(domain.StatusEvent(domain.Status{Kind: domain.StatusReady, Message: "deepgram"}))
	return nil
}

type deepgramResponse struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Description string  `json:"description"`
	RequestID   string  `json:"request_id"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func decodeMessage(messageType int, payload []byte) (domain.TranscriptionEvent, bool, error) {
	if messageType != websocket.TextMessage {
		return domain.TranscriptionEvent{}, false, nil
	}

	var response deepgramResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return domain.TranscriptionEvent{}, false, fmt.Errorf("invalid deepgram message: %w", err)
	}

	switch {
	case strings.EqualFold(response.Type, "Error"):
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = strings.TrimSpace(response.Description)
		}
		if message == "" {
			message = "deepgram returned an unknown error"
		}
		return domain.StatusEvent(domain.Status{Kind: domain.StatusError, Message: message}), true, nil
	case strings.EqualFold(response.Type, "Metadata"):
		return domain.AckEvent(response.RequestID), true, nil
	}

	// is_final only fixes the text of this chunk; speech_final ends the
	// speaker's turn and may arrive with an empty transcript.
	transcript := extractTranscript(response)
	if transcript == "" {
		if response.SpeechFinal {
			return domain.SegmentsEvent(domain.Segment{Start: seconds(response.Start), End: -1, Final: true}), true, nil
		}
		return domain.TranscriptionEvent{}, false, nil
	}

	segment := domain.Segment{
		Text:    transcript,
		Start:   seconds(response.Start),
		End:     -1,
		Final:   response.SpeechFinal,
		Settled: response.IsFinal && !response.SpeechFinal,
	}
	if response.Duration > 0 {
		segment.End = seconds(response.Start + response.Duration)
	}
	return domain.SegmentsEvent(segment), true, nil
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(providerCfg Config, sessionCfg ports.SessionConfig) (string, error) {
	base := providerCfg.APIBaseURL
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	base = strings.TrimSpace(base)

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if sessionCfg.SampleRate <= 0 {
		sessionCfg.SampleRate = 16000
	}
	if sessionCfg.Channels <= 0 {
		sessionCfg.Channels = 1
	}
	model := providerCfg.Model
	if sessionCfg.Model != "" {
		model = sessionCfg.Model
	}
	language := providerCfg.Language
	if sessionCfg.Language != "" {
		language = sessionCfg.Language
	}

	query := listenURL.Query()
	query.Set("model", model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", sessionCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", sessionCfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", providerCfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", providerCfg.SmartFormat))
	query.Set("vad_events", fmt.Sprintf("%t", sessionCfg.UseVAD))
	if language != "" {
		query.Set("language", language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
