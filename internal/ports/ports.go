package ports

import (
	"context"
	"io"
	"time"

	"voxloop/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session yielding raw s16le PCM.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture opens microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Device is an input device reported by the capture backend.
type Device struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

// DeviceLister enumerates input devices without touching capture state.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Capture is the gated frame source the coordinator drives.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	OnFrame(fn func(domain.AudioFrame))
}

// SessionConfig is the configuration message sent once per transcription session.
type SessionConfig struct {
	SessionID  string
	SampleRate int
	Channels   int
	Language   string
	Task       string
	Model      string
	UseVAD     bool
	// Tuning holds backend-specific knobs forwarded verbatim.
	Tuning map[string]any
}

// TranscriptionConn is one open connection to a transcription backend.
// Recv returns events already decoded into the closed TranscriptionEvent variant.
type TranscriptionConn interface {
	SendConfig(cfg SessionConfig) error
	SendAudio(pcm []byte) error
	SendEndOfStream() error
	Recv() (domain.TranscriptionEvent, error)
	Close() error
}

// TranscriptionDialer opens backend connections.
type TranscriptionDialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (TranscriptionConn, error)
}

// Transcriber is the session surface the coordinator depends on.
type Transcriber interface {
	Connect(ctx context.Context) error
	// WaitReady blocks until the backend reports ready or the session closes.
	WaitReady(ctx context.Context) error
	SendAudio(frame domain.AudioFrame) error
	Disconnect() error
	// Events stays valid across reconnects.
	Events() <-chan domain.TranscriptionEvent
	State() domain.SessionState
	// Done is closed when the current connection's listener exits.
	Done() <-chan struct{}
	// Err reports why the last connection closed; nil after a requested disconnect.
	Err() error
}

// ChatMessage is one role-tagged conversation message.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatModel generates assistant replies from conversation history.
type ChatModel interface {
	Generate(ctx context.Context, history []ChatMessage, userText string) (string, error)
	Stream(ctx context.Context, history []ChatMessage, userText string) (<-chan string, <-chan error)
	Ping(ctx context.Context) error
}

// ConversationHistory holds role-tagged turns under a trim policy.
type ConversationHistory interface {
	Messages() []ChatMessage
	Append(turn domain.ConversationTurn)
	Len() int
	Clear()
}

// Synthesizer converts text to encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Available(ctx context.Context) map[string]bool
}

// AudioPlayer plays one encoded buffer on the output device and returns
// when playback has finished or ctx is cancelled.
type AudioPlayer interface {
	Play(ctx context.Context, audio []byte, volume float64) error
}

// PlaybackSink queues audio for ordered playback.
type PlaybackSink interface {
	Enqueue(audio []byte) (uint64, error)
	IsBusy() bool
	WaitIdle(ctx context.Context) error
	StopAll()
	Close() error
}

// RulesEngine rewrites heard and spoken text using deterministic rules.
type RulesEngine interface {
	Heard(text string) (string, error)
	Spoken(text string) (string, error)
}

// Recorder receives pipeline measurements.
type Recorder interface {
	FrameForwarded()
	FrameGated()
	FrameDropped()
	Utterance(disposition string)
	TurnCompleted(outcome string, duration time.Duration)
	SessionState(state domain.SessionState)
	ConversationState(state domain.ConversationState)
	PlaybackQueue(depth int)
}

// EventSink receives runtime state and error notifications. Calls may be
// made while internal locks are held, so implementations must not block or
// call back into the component.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.StateReason)
	ConversationStateChanged(state domain.ConversationState, reason domain.StateReason)
	PartialTranscript(text string)
	FinalTranscript(raw string, rewritten string)
	AssistantReply(text string)
	SessionError(code domain.ErrorCode, detail string)
}
