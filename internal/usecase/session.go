package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"voxloop/internal/domain"
	"voxloop/internal/logger"
	"voxloop/internal/ports"
)

var (
	ErrSessionActive        = errors.New("transcription session already active")
	ErrTransport            = errors.New("transcription transport error")
	ErrBackendBusy          = errors.New("transcription backend busy")
	ErrMidSessionDisconnect = errors.New("transcription session dropped")
)

// SessionOptions configures a TranscriptionSession.
type SessionOptions struct {
	SampleRate int
	Channels   int
	Language   string
	Task       string
	Model      string
	UseVAD     bool
	// Tuning carries backend knobs such as the VAD sensitivity preset.
	Tuning map[string]any

	ConnectTimeout time.Duration
	EventBuffer    int
	// DropLogInterval throttles the debug log for dropped audio.
	DropLogInterval time.Duration
}

// TranscriptionSession owns one logical session with a streaming
// transcription backend. Connect and Disconnect are serialized; the
// background listener is the only path to Streaming and, on failure, Closed.
type TranscriptionSession struct {
	dialer   ports.TranscriptionDialer
	opts     SessionOptions
	events   ports.EventSink
	recorder ports.Recorder
	log      *slog.Logger

	out chan domain.TranscriptionEvent

	// transitionMu serializes Connect and Disconnect.
	transitionMu sync.Mutex

	mu      sync.Mutex
	state   domain.SessionState
	link    *activeLink
	busy    bool
	busyFor time.Duration
	lastErr error

	dropLimiter *rate.Limiter
	dropped     atomic.Uint64
}

func NewTranscriptionSession(dialer ports.TranscriptionDialer, opts SessionOptions, events ports.EventSink, recorder ports.Recorder) *TranscriptionSession {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Task == "" {
		opts.Task = "transcribe"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.DropLogInterval <= 0 {
		opts.DropLogInterval = time.Second
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &TranscriptionSession{
		dialer:      dialer,
		opts:        opts,
		events:      events,
		recorder:    recorder,
		log:         logger.With("component", "session"),
		out:         make(chan domain.TranscriptionEvent, opts.EventBuffer),
		state:       domain.SessionStateDisconnected,
		dropLimiter: rate.NewLimiter(rate.Every(opts.DropLogInterval), 1),
	}
}

// Connect dials the backend, sends the configuration message and starts
// the listener. The session is AwaitingReady when Connect returns nil.
func (s *TranscriptionSession) Connect(ctx context.Context) error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if s.state != domain.SessionStateDisconnected && s.state != domain.SessionStateClosed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSessionActive, state)
	}
	s.busy, s.busyFor, s.lastErr = false, 0, nil
	s.setStateLocked(domain.SessionStateConnecting, domain.ReasonConnecting)
	s.mu.Unlock()

	cfg := ports.SessionConfig{
		SessionID:  uuid.NewString(),
		SampleRate: s.opts.SampleRate,
		Channels:   s.opts.Channels,
		Language:   s.opts.Language,
		Task:       s.opts.Task,
		Model:      s.opts.Model,
		UseVAD:     s.opts.UseVAD,
		Tuning:     s.opts.Tuning,
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.dialer.Dial(dialCtx, cfg)
	cancel()
	if err != nil {
		return s.failConnect(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	if err := conn.SendConfig(cfg); err != nil {
		_ = conn.Close()
		return s.failConnect(fmt.Errorf("%w: %w", ErrTransport, err))
	}

	link := newActiveLink(conn, cfg.SessionID)

	s.mu.Lock()
	s.link = link
	s.setStateLocked(domain.SessionStateAwaitingReady, domain.ReasonConfigSent)
	s.mu.Unlock()

	go s.listen(link)

	s.log.Info("transcription session connected", "session_id", cfg.SessionID, "model", cfg.Model, "language", cfg.Language)
	return nil
}

func (s *TranscriptionSession) failConnect(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.setStateLocked(domain.SessionStateClosed, domain.ReasonConnectFailed)
	s.mu.Unlock()
	s.log.Error("transcription connect failed", "error", logger.Redact(err.Error()))
	return err
}

// WaitReady blocks until the backend signals ready (nil) or the session
// closes (ErrTransport).
func (s *TranscriptionSession) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	state, link := s.state, s.link
	s.mu.Unlock()

	switch {
	case state == domain.SessionStateStreaming:
		return nil
	case link == nil:
		return fmt.Errorf("%w: session is %s", ErrTransport, state)
	}

	select {
	case <-link.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.State() != domain.SessionStateStreaming {
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: session closed before ready", ErrTransport)
	}
	return nil
}

// SendAudio forwards a frame while Streaming and not busy. Frames sent in
// any other condition are dropped, never queued.
func (s *TranscriptionSession) SendAudio(frame domain.AudioFrame) error {
	s.mu.Lock()
	state, busy, link := s.state, s.busy, s.link
	s.mu.Unlock()

	if state != domain.SessionStateStreaming || busy || link == nil {
		s.drop(frame, state, busy)
		return nil
	}

	if err := link.conn.SendAudio(frame.PCM); err != nil {
		s.recorder.FrameDropped()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	s.recorder.FrameForwarded()
	return nil
}

func (s *TranscriptionSession) drop(frame domain.AudioFrame, state domain.SessionState, busy bool) {
	total := s.dropped.Add(1)
	s.recorder.FrameDropped()
	if s.dropLimiter.Allow() {
		s.log.Debug("dropping audio frame", "seq", frame.Seq, "state", state, "busy", busy, "dropped_total", total)
	}
}

// Disconnect sends the end-of-stream sentinel, closes the transport and
// leaves the session Closed. Safe from any state and repeatable.
func (s *TranscriptionSession) Disconnect() error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	link := s.link
	if s.state == domain.SessionStateDisconnected || s.state == domain.SessionStateClosed || link == nil {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(domain.SessionStateDraining, domain.ReasonDraining)
	s.mu.Unlock()

	if err := link.conn.SendEndOfStream(); err != nil {
		s.log.Debug("end of stream not delivered", "error", err)
	}
	link.markClosing()
	if err := link.conn.Close(); err != nil {
		s.log.Debug("transport close reported error", "error", err)
	}
	<-link.done

	s.mu.Lock()
	if s.link == link {
		s.link = nil
	}
	if s.state != domain.SessionStateClosed {
		s.setStateLocked(domain.SessionStateClosed, domain.ReasonDisconnected)
	}
	link.markReady()
	s.mu.Unlock()

	s.log.Info("transcription session disconnected", "session_id", link.id)
	return nil
}

// State returns the current session state.
func (s *TranscriptionSession) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether the backend asked the client to wait, and for how long.
func (s *TranscriptionSession) Busy() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy, s.busyFor
}

// SessionID returns the id sent in the current configuration message.
func (s *TranscriptionSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return ""
	}
	return s.link.id
}

// Events delivers every backend event in arrival order.
func (s *TranscriptionSession) Events() <-chan domain.TranscriptionEvent {
	return s.out
}

// Done is closed when the current listener exits. It is already closed
// when no connection is open.
func (s *TranscriptionSession) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return closedChan
	}
	return s.link.done
}

// Err reports why the session last closed, nil after Disconnect.
func (s *TranscriptionSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Dropped returns the number of frames dropped since construction.
func (s *TranscriptionSession) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *TranscriptionSession) listen(link *activeLink) {
	defer close(link.done)

	for {
		event, err := link.conn.Recv()
		if err != nil {
			s.closeLink(link, err)
			return
		}

		fatal := s.handleEvent(link, event)

		select {
		case s.out <- event:
		case <-link.closing:
			return
		}

		if fatal != nil {
			s.closeLink(link, fatal)
			return
		}
	}
}

// handleEvent applies status side effects and returns a non-nil error when
// the event ends the session.
func (s *TranscriptionSession) handleEvent(link *activeLink, event domain.TranscriptionEvent) error {
	if event.Kind != domain.EventStatus {
		return nil
	}

	status := event.Status
	switch status.Kind {
	case domain.StatusReady:
		s.mu.Lock()
		s.busy, s.busyFor = false, 0
		if s.link == link && s.state == domain.SessionStateAwaitingReady {
			s.setStateLocked(domain.SessionStateStreaming, domain.ReasonBackendReady)
		}
		s.mu.Unlock()
		link.markReady()
		s.log.Info("transcription backend ready", "session_id", link.id, "backend", status.Message)
	case domain.StatusWait:
		s.mu.Lock()
		s.busy, s.busyFor = true, status.Wait
		s.mu.Unlock()
		s.log.Warn("transcription backend busy", "error", ErrBackendBusy, "wait", status.Wait)
		s.events.SessionError(domain.ErrorCodeBackendBusy, status.Message)
	case domain.StatusWarning:
		s.log.Warn("transcription backend warning", "message", status.Message)
	case domain.StatusInfo:
		s.log.Debug("transcription backend status", "message", status.Message)
	case domain.StatusDisconnect:
		return errors.New(status.Message)
	case domain.StatusError:
		return fmt.Errorf("backend error: %s", status.Message)
	}
	return nil
}

// closeLink handles the end of a connection. Ends during Draining are the
// expected result of Disconnect; anything else is a mid-session drop.
func (s *TranscriptionSession) closeLink(link *activeLink, cause error) {
	s.mu.Lock()
	if s.link != link || s.state == domain.SessionStateDraining || s.state == domain.SessionStateClosed {
		s.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: %w", ErrMidSessionDisconnect, cause)
	s.lastErr = err
	s.link = nil
	s.busy, s.busyFor = false, 0
	s.setStateLocked(domain.SessionStateClosed, domain.ReasonBackendDropped)
	s.mu.Unlock()

	link.markReady()
	link.markClosing()
	s.log.Error("transcription session dropped", "session_id", link.id, "error", err)
	s.events.SessionError(domain.ErrorCodeTranscription, err.Error())
	_ = link.conn.Close()
}

func (s *TranscriptionSession) setStateLocked(state domain.SessionState, reason domain.StateReason) {
	if s.state == state {
		return
	}
	s.state = state
	s.recorder.SessionState(state)
	s.events.SessionStateChanged(state, reason)
}
