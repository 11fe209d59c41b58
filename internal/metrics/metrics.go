// Package metrics exports voice loop measurements to Prometheus and serves
// them with a small status endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"voxloop/internal/domain"
)

const namespace = "voxloop"

var sessionStates = []domain.SessionState{
	domain.SessionStateDisconnected,
	domain.SessionStateConnecting,
	domain.SessionStateAwaitingReady,
	domain.SessionStateStreaming,
	domain.SessionStateDraining,
	domain.SessionStateClosed,
}

var conversationStates = []domain.ConversationState{
	domain.ConversationStateIdle,
	domain.ConversationStateListening,
	domain.ConversationStateProcessing,
	domain.ConversationStateSpeaking,
	domain.ConversationStateStopped,
}

// Recorder implements ports.Recorder with Prometheus collectors.
type Recorder struct {
	frames            *prometheus.CounterVec
	utterances        *prometheus.CounterVec
	turns             *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	sessionState      *prometheus.GaugeVec
	conversationState *prometheus.GaugeVec
	playbackQueue     prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_frames_total",
				Help:      "Captured audio frames by outcome",
			},
			[]string{"outcome"}, // forwarded, gated, dropped
		),
		utterances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "utterances_total",
				Help:      "Utterances by disposition",
			},
			[]string{"disposition"},
		),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Completed conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		turnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Time from accepted utterance to end of playback",
				Buckets:   []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
			},
		),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Transcription session state, 1 for the current state",
			},
			[]string{"state"},
		),
		conversationState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conversation_state",
				Help:      "Conversation state, 1 for the current state",
			},
			[]string{"state"},
		),
		playbackQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "playback_queue_depth",
				Help:      "Audio buffers waiting for playback",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			r.frames,
			r.utterances,
			r.turns,
			r.turnDuration,
			r.sessionState,
			r.conversationState,
			r.playbackQueue,
		)
	}
	r.SessionState(domain.SessionStateDisconnected)
	r.ConversationState(domain.ConversationStateIdle)
	return r
}

func (r *Recorder) FrameForwarded() { r.frames.WithLabelValues("forwarded").Inc() }
func (r *Recorder) FrameGated()     { r.frames.WithLabelValues("gated").Inc() }
func (r *Recorder) FrameDropped()   { r.frames.WithLabelValues("dropped").Inc() }

func (r *Recorder) Utterance(disposition string) {
	r.utterances.WithLabelValues(disposition).Inc()
}

func (r *Recorder) TurnCompleted(outcome string, duration time.Duration) {
	r.turns.WithLabelValues(outcome).Inc()
	r.turnDuration.Observe(duration.Seconds())
}

func (r *Recorder) SessionState(state domain.SessionState) {
	for _, s := range sessionStates {
		r.sessionState.WithLabelValues(string(s)).Set(boolGauge(s == state))
	}
}

func (r *Recorder) ConversationState(state domain.ConversationState) {
	for _, s := range conversationStates {
		r.conversationState.WithLabelValues(string(s)).Set(boolGauge(s == state))
	}
}

func (r *Recorder) PlaybackQueue(depth int) {
	r.playbackQueue.Set(float64(depth))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
