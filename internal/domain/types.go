package domain

import "time"

// SessionState models the transcription session lifecycle.
type SessionState string

const (
	SessionStateDisconnected  SessionState = "disconnected"
	SessionStateConnecting    SessionState = "connecting"
	SessionStateAwaitingReady SessionState = "awaiting_ready"
	SessionStateStreaming     SessionState = "streaming"
	SessionStateDraining      SessionState = "draining"
	SessionStateClosed        SessionState = "closed"
)

// ConversationState models the turn-taking lifecycle.
type ConversationState string

const (
	ConversationStateIdle       ConversationState = "idle"
	ConversationStateListening  ConversationState = "listening"
	ConversationStateProcessing ConversationState = "processing"
	ConversationStateSpeaking   ConversationState = "speaking"
	ConversationStateStopped    ConversationState = "stopped"
)

// StateReason provides a structured reason for state transitions.
type StateReason string

const (
	ReasonConnecting         StateReason = "connecting"
	ReasonConfigSent         StateReason = "config_sent"
	ReasonBackendReady       StateReason = "backend_ready"
	ReasonDraining           StateReason = "draining"
	ReasonDisconnected       StateReason = "disconnected"
	ReasonConnectFailed      StateReason = "connect_failed"
	ReasonBackendDropped     StateReason = "backend_dropped"
	ReasonConversationReady  StateReason = "conversation_ready"
	ReasonUtteranceAccepted  StateReason = "utterance_accepted"
	ReasonResponseQueued     StateReason = "response_queued"
	ReasonPlaybackFinished   StateReason = "playback_finished"
	ReasonSynthesisFailed    StateReason = "synthesis_failed"
	ReasonExitPhrase         StateReason = "exit_phrase"
	ReasonStopRequested      StateReason = "stop_requested"
	ReasonTranscriberStopped StateReason = "transcriber_stopped"
)

// ErrorCode identifies non-fatal and fatal runtime errors.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeAudioStop     ErrorCode = "audio_stop"
	ErrorCodeAudioStream   ErrorCode = "audio_stream"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeBackendBusy   ErrorCode = "backend_busy"
	ErrorCodeGeneration    ErrorCode = "generation"
	ErrorCodeSynthesis     ErrorCode = "synthesis"
	ErrorCodePlayback      ErrorCode = "playback"
	ErrorCodeRules         ErrorCode = "rules"
)

// AudioFrame is one captured chunk of s16le PCM.
type AudioFrame struct {
	Seq    uint64
	PCM    []byte
	Energy float64
	At     time.Time
}

// StatusKind classifies backend status messages.
type StatusKind string

const (
	StatusReady      StatusKind = "ready"
	StatusWait       StatusKind = "wait"
	StatusDisconnect StatusKind = "disconnect"
	StatusError      StatusKind = "error"
	StatusWarning    StatusKind = "warning"
	StatusInfo       StatusKind = "info"
)

// EventKind tags the TranscriptionEvent variant.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventSegments EventKind = "segments"
	EventAck      EventKind = "ack"
)

// Status is a backend status notification.
type Status struct {
	Kind    StatusKind
	Message string
	// Wait is the advisory back-off for StatusWait.
	Wait time.Duration
}

// Segment is one piece of transcribed text.
type Segment struct {
	Text  string
	Start time.Duration
	// End is negative when the backend did not report one.
	End   time.Duration
	Final bool
	// Completed is set by backends that track per-segment completion.
	Completed bool
	// Settled text will not change, but the speaker's turn goes on. Settled
	// segments are joined with the final segment that ends the turn.
	Settled bool
}

// TranscriptionEvent is the closed set of messages a backend can deliver.
// Exactly one of Status, Segments or CorrelationID is meaningful, selected by Kind.
type TranscriptionEvent struct {
	Kind          EventKind
	Status        Status
	Segments      []Segment
	CorrelationID string
}

// StatusEvent builds a status variant.
func StatusEvent(status Status) TranscriptionEvent {
	return TranscriptionEvent{Kind: EventStatus, Status: status}
}

// SegmentsEvent builds a segment-list variant.
func SegmentsEvent(segments ...Segment) TranscriptionEvent {
	return TranscriptionEvent{Kind: EventSegments, Segments: segments}
}

// AckEvent builds an acknowledgement variant.
func AckEvent(id string) TranscriptionEvent {
	return TranscriptionEvent{Kind: EventAck, CorrelationID: id}
}

// Utterance is recognized speech the coordinator reacts to.
type Utterance struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"isFinal"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ConversationTurn is one user → assistant exchange.
type ConversationTurn struct {
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
}

// PlaybackItem is an encoded audio buffer awaiting playback.
type PlaybackItem struct {
	Seq   uint64
	Audio []byte
}

// RuntimeStatus summarizes the current runtime status.
type RuntimeStatus struct {
	State         ConversationState `json:"state"`
	Session       SessionState      `json:"session"`
	Turns         int               `json:"turns"`
	LastUser      string            `json:"lastUser,omitempty"`
	LastAssistant string            `json:"lastAssistant,omitempty"`
	Message       string            `json:"message,omitempty"`
}
