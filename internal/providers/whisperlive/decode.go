package whisperlive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voxloop/internal/domain"
)

const (
	messageServerReady = "SERVER_READY"
	messageDisconnect  = "DISCONNECT"

	statusWait    = "WAIT"
	statusError   = "ERROR"
	statusWarning = "WARNING"
)

// serverMessage covers both protocol generations: the current one
// ({uid, status, message, segments}) and the older typed envelope
// ({type, data:{text, is_final}}), plus a flat {text, is_final} form.
type serverMessage struct {
	UID      string          `json:"uid"`
	Status   string          `json:"status"`
	Message  json.RawMessage `json:"message"`
	Backend  string          `json:"backend"`
	Segments []wireSegment   `json:"segments"`

	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`

	Text    *string `json:"text"`
	IsFinal bool    `json:"is_final"`
}

type wireSegment struct {
	Start     offset `json:"start"`
	End       offset `json:"end"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type legacyData struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// offset is a segment boundary in seconds, sent as a string or a number.
type offset struct {
	seconds float64
	set     bool
}

func (o *offset) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid segment offset %q: %w", raw, err)
	}
	o.seconds, o.set = value, true
	return nil
}

func (o offset) duration() time.Duration {
	if !o.set {
		return -1
	}
	return time.Duration(o.seconds * float64(time.Second))
}

func decodeMessage(messageType int, payload []byte) (domain.TranscriptionEvent, bool, error) {
	if messageType != websocket.TextMessage {
		return domain.TranscriptionEvent{}, false, nil
	}

	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.TranscriptionEvent{}, false, fmt.Errorf("invalid whisperlive message: %w", err)
	}

	if msg.Status != "" {
		return decodeStatus(msg)
	}

	switch rawString(msg.Message) {
	case messageServerReady:
		return domain.StatusEvent(domain.Status{Kind: domain.StatusReady, Message: msg.Backend}), true, nil
	case messageDisconnect:
		return domain.StatusEvent(domain.Status{Kind: domain.StatusDisconnect, Message: "server disconnected the session"}), true, nil
	}

	if msg.Segments != nil {
		segments := make([]domain.Segment, 0, len(msg.Segments))
		for _, seg := range msg.Segments {
			start := seg.Start.duration()
			if start < 0 {
				start = 0
			}
			segments = append(segments, domain.Segment{
				Text:      seg.Text,
				Start:     start,
				End:       seg.End.duration(),
				Completed: seg.Completed,
			})
		}
		return domain.SegmentsEvent(segments...), true, nil
	}

	if msg.Type != "" {
		return decodeLegacy(msg)
	}

	if msg.Text != nil {
		return domain.SegmentsEvent(domain.Segment{Text: *msg.Text, End: -1, Final: msg.IsFinal}), true, nil
	}

	return domain.TranscriptionEvent{}, false, nil
}

func decodeStatus(msg serverMessage) (domain.TranscriptionEvent, bool, error) {
	switch strings.ToUpper(msg.Status) {
	case statusWait:
		minutes, err := strconv.ParseFloat(rawString(msg.Message), 64)
		if err != nil {
			minutes = 0
		}
		return domain.StatusEvent(domain.Status{
			Kind:    domain.StatusWait,
			Message: fmt.Sprintf("server busy, estimated wait %.1f minutes", minutes),
			Wait:    time.Duration(minutes * float64(time.Minute)),
		}), true, nil
	case statusError:
		return domain.StatusEvent(domain.Status{Kind: domain.StatusError, Message: rawString(msg.Message)}), true, nil
	case statusWarning:
		return domain.StatusEvent(domain.Status{Kind: domain.StatusWarning, Message: rawString(msg.Message)}), true, nil
	default:
		return domain.StatusEvent(domain.Status{Kind: domain.StatusInfo, Message: msg.Status + ": " + rawString(msg.Message)}), true, nil
	}
}

func decodeLegacy(msg serverMessage) (domain.TranscriptionEvent, bool, error) {
	var data legacyData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return domain.TranscriptionEvent{}, false, fmt.Errorf("invalid whisperlive %s payload: %w", msg.Type, err)
		}
	}

	switch strings.ToLower(msg.Type) {
	case "transcription":
		return domain.SegmentsEvent(domain.Segment{Text: data.Text, End: -1, Final: data.IsFinal}), true, nil
	case "error":
		message := data.Message
		if message == "" {
			message = "unknown error"
		}
		return domain.StatusEvent(domain.Status{Kind: domain.StatusError, Message: message}), true, nil
	case "session":
		return domain.AckEvent(data.SessionID), true, nil
	default:
		return domain.TranscriptionEvent{}, false, nil
	}
}

// rawString reads a JSON value that may be a string or a bare number.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}
