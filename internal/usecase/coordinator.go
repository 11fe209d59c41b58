package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"voxloop/internal/domain"
	"voxloop/internal/logger"
	"voxloop/internal/ports"
)

var (
	ErrAlreadyStarted          = errors.New("conversation already started")
	ErrNotRunning              = errors.New("conversation is not running")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrGenerationFailure       = errors.New("response generation failed")
	ErrSynthesisFailure        = errors.New("speech synthesis failed")
	ErrPlaybackFailure         = errors.New("playback failed")
)

const (
	DefaultGreeting = "Hello! I'm your voice assistant. How can I help you today?"
	DefaultFarewell = "Goodbye!"
	DefaultApology  = "Sorry, I had trouble processing that."
)

// DefaultExitPhrases end the conversation when spoken on their own.
var DefaultExitPhrases = []string{"exit", "quit", "goodbye", "stop"}

// Turn outcomes reported to the recorder.
const (
	OutcomeOK      = "ok"
	OutcomeApology = "apology"
	OutcomeNoAudio = "no_audio"
)

// CoordinatorConfig controls turn taking.
type CoordinatorConfig struct {
	// Greeting is spoken after start; empty disables it.
	Greeting    string
	Farewell    string
	Apology     string
	ExitPhrases []string
	// StreamReplies speaks each streamed chunk as soon as it is synthesized.
	StreamReplies bool

	HealthTimeout     time.Duration
	ReadyTimeout      time.Duration
	GenerationTimeout time.Duration

	ReconnectAttempts int
	ReconnectInterval time.Duration

	FrameBuffer int
	Segmenter   SegmenterConfig
}

// Collaborators are the ports the coordinator drives.
type Collaborators struct {
	Capture  ports.Capture
	Session  ports.Transcriber
	Model    ports.ChatModel
	Speech   ports.Synthesizer
	Playback ports.PlaybackSink
	History  ports.ConversationHistory
	Rules    ports.RulesEngine
	Events   ports.EventSink
	Recorder ports.Recorder
}

type turnKind int

const (
	turnReply turnKind = iota
	turnAnnounce
	turnFarewell
)

type turnHandle struct {
	id       uint64
	kind     turnKind
	userText string
	cancel   context.CancelFunc
	started  time.Time
}

type turnResult struct {
	reply         string
	spoke         bool
	generationErr error
	synthesisErr  error
	playbackErr   error
}

type messageKind int

const (
	msgInject messageKind = iota
	msgSpeaking
	msgTurnDone
	msgSessionClosed
	msgReconnected
	msgStop
)

type coordinatorMessage struct {
	kind      messageKind
	turnID    uint64
	utterance domain.Utterance
	result    turnResult
	err       error
}

// Coordinator is the turn-taking state machine. A single owner goroutine
// applies every state change; capture, the session listener, turn workers
// and the reconnect worker only send it messages.
type Coordinator struct {
	capture  ports.Capture
	session  ports.Transcriber
	model    ports.ChatModel
	speech   ports.Synthesizer
	playback ports.PlaybackSink
	history  ports.ConversationHistory
	rules    ports.RulesEngine
	events   ports.EventSink
	recorder ports.Recorder

	cfg         CoordinatorConfig
	log         *slog.Logger
	exitPhrases map[string]struct{}
	segmenter   *TurnSegmenter
	gate        *frameGate

	inbox      chan coordinatorMessage
	utterances chan domain.Utterance
	done       chan struct{}
	doneOnce   sync.Once

	lifecycleMu sync.Mutex
	starting    bool
	started     bool
	stopped     bool
	// cancel ends the run context. Stop uses it to unwind a Start in progress.
	cancel context.CancelFunc

	stateMu       sync.RWMutex
	state         domain.ConversationState
	turns         int
	lastUser      string
	lastAssistant string
	message       string

	// owned by the loop goroutine
	turnSeq         uint64
	active          *turnHandle
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

func NewCoordinator(collab Collaborators, cfg CoordinatorConfig) *Coordinator {
	if cfg.Farewell == "" {
		cfg.Farewell = DefaultFarewell
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if len(cfg.ExitPhrases) == 0 {
		cfg.ExitPhrases = DefaultExitPhrases
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 500 * time.Millisecond
	}
	if collab.Rules == nil {
		collab.Rules = passthroughRules{}
	}
	if collab.Recorder == nil {
		collab.Recorder = noopRecorder{}
	}
	cfg.Segmenter.Recorder = collab.Recorder

	c := &Coordinator{
		capture:  collab.Capture,
		session:  collab.Session,
		model:    collab.Model,
		speech:   collab.Speech,
		playback: collab.Playback,
		history:  collab.History,
		rules:    collab.Rules,
		events:   collab.Events,
		recorder: collab.Recorder,
		cfg:      cfg,
		log:      logger.With("component", "coordinator"),
		exitPhrases: lo.SliceToMap(cfg.ExitPhrases, func(phrase string) (string, struct{}) {
			return NormalizeText(phrase), struct{}{}
		}),
		segmenter:  NewTurnSegmenter(cfg.Segmenter),
		inbox:      make(chan coordinatorMessage, 16),
		utterances: make(chan domain.Utterance, 16),
		done:       make(chan struct{}),
		state:      domain.ConversationStateIdle,
	}
	c.gate = newFrameGate(cfg.FrameBuffer, c.listening, collab.Recorder)
	return c
}

// Start verifies collaborators, connects the transcription session, starts
// capture and enters Listening. Any failure leaves the coordinator Idle
// with capture and session released. A Stop that arrives meanwhile cancels
// the start, which then returns ErrNotRunning.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	switch {
	case c.stopped:
		c.lifecycleMu.Unlock()
		return ErrNotRunning
	case c.started || c.starting:
		c.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.starting = true
	c.cancel = cancel
	c.lifecycleMu.Unlock()

	if err := c.checkCollaborators(runCtx); err != nil {
		return c.startFailed(err)
	}

	if err := c.session.Connect(runCtx); err != nil {
		return c.startFailed(err)
	}
	if c.cfg.ReadyTimeout > 0 {
		readyCtx, cancelReady := context.WithTimeout(runCtx, c.cfg.ReadyTimeout)
		err := c.session.WaitReady(readyCtx)
		cancelReady()
		if err != nil {
			_ = c.session.Disconnect()
			if !errors.Is(err, ErrTransport) {
				err = fmt.Errorf("%w: backend not ready: %w", ErrTransport, err)
			}
			return c.startFailed(err)
		}
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.stopped {
		_ = c.session.Disconnect()
		return c.abortStart(ErrNotRunning)
	}

	c.capture.OnFrame(c.gate.Offer)
	if err := c.capture.Start(runCtx); err != nil {
		_ = c.session.Disconnect()
		return c.abortStart(err)
	}

	c.starting = false
	c.started = true
	c.setState(domain.ConversationStateListening, domain.ReasonConversationReady)

	pumpDone := make(chan struct{})
	go pumpAudioFrames(runCtx, c.gate.frames, c.session, c.events, c.log, pumpDone)
	go c.segmenter.Run(runCtx, c.session.Events(), c.utterances)
	go c.watchSession(runCtx, c.session.Done())
	go c.loop(runCtx, pumpDone)

	c.log.Info("conversation started", "stream_replies", c.cfg.StreamReplies, "exit_phrases", c.cfg.ExitPhrases)
	return nil
}

func (c *Coordinator) startFailed(err error) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.abortStart(err)
}

// abortStart resets a failed start. Callers hold lifecycleMu.
func (c *Coordinator) abortStart(err error) error {
	c.cancel()
	c.cancel = nil
	c.starting = false
	if c.stopped {
		c.log.Info("conversation start abandoned", "error", err)
		return ErrNotRunning
	}

	c.log.Error("conversation start failed", "error", err)
	c.events.SessionError(domain.ErrorCodeStartup, err.Error())
	return err
}

// Stop ends the conversation from any state. Capture is stopped and the
// session disconnected exactly once; later calls return immediately.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	if !c.started {
		if !c.stopped {
			c.stopped = true
			if c.cancel != nil {
				c.cancel()
			}
			c.setState(domain.ConversationStateStopped, domain.ReasonStopRequested)
			c.doneOnce.Do(func() { close(c.done) })
		}
		c.lifecycleMu.Unlock()
		return
	}
	c.stopped = true
	c.lifecycleMu.Unlock()

	c.post(coordinatorMessage{kind: msgStop})
	<-c.done
}

// Done is closed once the coordinator reaches Stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// SendText injects a typed utterance, subject to the same gating as speech.
func (c *Coordinator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.lifecycleMu.Lock()
	running := c.started && !c.stopped
	c.lifecycleMu.Unlock()
	if !running {
		return ErrNotRunning
	}

	msg := coordinatorMessage{
		kind:      msgInject,
		utterance: domain.Utterance{Text: text, IsFinal: true, ReceivedAt: time.Now()},
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current conversation state.
func (c *Coordinator) State() domain.ConversationState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Status returns a snapshot for status reporting.
func (c *Coordinator) Status() domain.RuntimeStatus {
	c.stateMu.RLock()
	status := domain.RuntimeStatus{
		State:         c.state,
		Turns:         c.turns,
		LastUser:      c.lastUser,
		LastAssistant: c.lastAssistant,
		Message:       c.message,
	}
	c.stateMu.RUnlock()

	status.Session = c.session.State()
	return status
}

func (c *Coordinator) listening() bool {
	return c.State() == domain.ConversationStateListening
}

func (c *Coordinator) checkCollaborators(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.model.Ping(gctx); err != nil {
			return fmt.Errorf("%w: language model: %w", ErrCollaboratorUnavailable, err)
		}
		return nil
	})
	g.Go(func() error {
		available := c.speech.Available(gctx)
		usable := lo.Keys(lo.PickBy(available, func(_ string, ok bool) bool { return ok }))
		if len(usable) == 0 {
			return fmt.Errorf("%w: no speech engine available", ErrCollaboratorUnavailable)
		}
		slices.Sort(usable)
		c.log.Info("speech engines available", "engines", usable)
		return nil
	})
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context, pumpDone chan struct{}) {
	defer c.doneOnce.Do(func() { close(c.done) })

	if strings.TrimSpace(c.cfg.Greeting) != "" {
		c.beginTurn(ctx, turnAnnounce, "", domain.ReasonConversationReady)
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown(domain.ReasonStopRequested)
			<-pumpDone
			return
		case utterance := <-c.utterances:
			c.handleUtterance(ctx, utterance)
		case msg := <-c.inbox:
			switch msg.kind {
			case msgInject:
				c.handleUtterance(ctx, msg.utterance)
			case msgSpeaking:
				if c.isActive(msg.turnID) && c.State() == domain.ConversationStateProcessing {
					c.setState(domain.ConversationStateSpeaking, domain.ReasonResponseQueued)
				}
			case msgTurnDone:
				if !c.isActive(msg.turnID) {
					continue
				}
				if exit := c.finishTurn(msg.result); exit {
					c.shutdown(domain.ReasonExitPhrase)
					<-pumpDone
					return
				}
			case msgSessionClosed:
				c.handleSessionClosed(ctx, msg.err)
			case msgReconnected:
				c.reconnectCancel, c.reconnectDone = nil, nil
				if msg.err == nil {
					go c.watchSession(ctx, c.session.Done())
				}
			case msgStop:
				c.shutdown(domain.ReasonStopRequested)
				<-pumpDone
				return
			}
		}
	}
}

func (c *Coordinator) isActive(turnID uint64) bool {
	return c.active != nil && c.active.id == turnID
}

func (c *Coordinator) handleUtterance(ctx context.Context, utterance domain.Utterance) {
	if !utterance.IsFinal {
		c.events.PartialTranscript(utterance.Text)
		return
	}

	if c.active != nil || c.State() != domain.ConversationStateListening {
		c.recorder.Utterance(DispositionIgnored)
		c.log.Debug("ignoring utterance during turn", "state", c.State(), "text", utterance.Text)
		return
	}

	heard := utterance.Text
	rewritten, err := c.rules.Heard(utterance.Text)
	switch {
	case err != nil:
		c.events.SessionError(domain.ErrorCodeRules, err.Error())
	case strings.TrimSpace(rewritten) != "":
		heard = rewritten
	}
	c.events.FinalTranscript(utterance.Text, heard)

	if c.isExitPhrase(utterance.Text) || c.isExitPhrase(heard) {
		c.recorder.Utterance(DispositionExit)
		c.log.Info("exit phrase received", "text", heard)
		c.beginTurn(ctx, turnFarewell, heard, domain.ReasonExitPhrase)
		return
	}

	c.recorder.Utterance(DispositionAccepted)
	c.beginTurn(ctx, turnReply, heard, domain.ReasonUtteranceAccepted)
}

func (c *Coordinator) isExitPhrase(text string) bool {
	_, ok := c.exitPhrases[NormalizeText(text)]
	return ok
}

func (c *Coordinator) beginTurn(ctx context.Context, kind turnKind, userText string, reason domain.StateReason) {
	c.turnSeq++
	turnCtx, cancel := context.WithCancel(ctx)
	handle := &turnHandle{
		id:       c.turnSeq,
		kind:     kind,
		userText: userText,
		cancel:   cancel,
		started:  time.Now(),
	}
	c.active = handle

	if userText != "" {
		c.stateMu.Lock()
		c.lastUser = userText
		c.stateMu.Unlock()
	}
	c.setState(domain.ConversationStateProcessing, reason)

	switch kind {
	case turnReply:
		history := c.history.Messages()
		go c.runReply(turnCtx, handle.id, userText, history)
	case turnAnnounce:
		go c.runAnnouncement(turnCtx, handle.id, c.cfg.Greeting)
	case turnFarewell:
		go c.runAnnouncement(turnCtx, handle.id, c.cfg.Farewell)
	}
}

func (c *Coordinator) finishTurn(result turnResult) bool {
	handle := c.active
	c.active = nil
	handle.cancel()

	if result.generationErr != nil {
		c.log.Error("reply generation failed", "error", result.generationErr)
		c.events.SessionError(domain.ErrorCodeGeneration, result.generationErr.Error())
	}
	if result.synthesisErr != nil {
		c.log.Error("speech synthesis failed", "error", result.synthesisErr)
		c.events.SessionError(domain.ErrorCodeSynthesis, result.synthesisErr.Error())
	}
	if result.playbackErr != nil {
		c.log.Error("playback failed", "error", result.playbackErr)
		c.events.SessionError(domain.ErrorCodePlayback, result.playbackErr.Error())
	}
	if result.reply != "" {
		c.events.AssistantReply(result.reply)
	}

	if handle.kind == turnFarewell {
		return true
	}

	if handle.kind == turnReply {
		outcome := OutcomeOK
		switch {
		case result.generationErr != nil:
			outcome = OutcomeApology
		case !result.spoke:
			outcome = OutcomeNoAudio
		}
		completed := time.Now()
		if result.generationErr == nil && result.reply != "" {
			c.history.Append(domain.ConversationTurn{
				UserText:      handle.userText,
				AssistantText: result.reply,
				StartedAt:     handle.started,
				CompletedAt:   completed,
			})
		}
		c.recorder.TurnCompleted(outcome, completed.Sub(handle.started))

		c.stateMu.Lock()
		c.turns++
		c.lastAssistant = result.reply
		c.stateMu.Unlock()
	}

	reason := domain.ReasonPlaybackFinished
	if !result.spoke {
		reason = domain.ReasonSynthesisFailed
	}
	c.setState(domain.ConversationStateListening, reason)
	return false
}

func (c *Coordinator) shutdown(reason domain.StateReason) {
	if c.active != nil {
		c.active.cancel()
		c.active = nil
	}
	c.playback.StopAll()

	// a reconnect must not race the disconnect below and leave a live session
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		<-c.reconnectDone
		c.reconnectCancel, c.reconnectDone = nil, nil
	}

	if err := c.capture.Stop(); err != nil {
		c.log.Warn("capture stop failed", "error", err)
		c.events.SessionError(domain.ErrorCodeAudioStop, "failed to stop audio capture cleanly")
	}
	if err := c.session.Disconnect(); err != nil {
		c.log.Warn("session disconnect failed", "error", err)
	}
	c.cancel()

	c.setState(domain.ConversationStateStopped, reason)

	c.stateMu.RLock()
	turns := c.turns
	c.stateMu.RUnlock()
	c.log.Info("conversation stopped", "reason", reason, "turns", turns)
}

func (c *Coordinator) watchSession(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		c.post(coordinatorMessage{kind: msgSessionClosed, err: c.session.Err()})
	}
}

func (c *Coordinator) handleSessionClosed(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}

	c.stateMu.Lock()
	c.message = err.Error()
	c.stateMu.Unlock()

	if c.cfg.ReconnectAttempts <= 0 {
		c.log.Warn("transcription session closed; audio sends are now no-ops", "error", err)
		return
	}
	if c.reconnectCancel != nil {
		return
	}
	reconnectCtx, cancel := context.WithCancel(ctx)
	c.reconnectCancel, c.reconnectDone = cancel, make(chan struct{})
	go c.reconnect(reconnectCtx, c.reconnectDone)
}

func (c *Coordinator) reconnect(ctx context.Context, done chan struct{}) {
	defer close(done)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		c.log.Info("reconnecting transcription session", "attempt", attempt)
		err := c.session.Connect(ctx)
		if errors.Is(err, ErrSessionActive) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.cfg.ReconnectAttempts)))

	if err != nil && ctx.Err() == nil {
		c.log.Error("transcription reconnect failed", "attempts", attempt, "error", err)
		c.events.SessionError(domain.ErrorCodeTranscription, fmt.Sprintf("reconnect failed after %d attempts: %v", attempt, err))
	}
	if err == nil {
		c.stateMu.Lock()
		c.message = ""
		c.stateMu.Unlock()
	}
	select {
	case c.inbox <- coordinatorMessage{kind: msgReconnected, err: err}:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Coordinator) post(msg coordinatorMessage) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *Coordinator) setState(state domain.ConversationState, reason domain.StateReason) {
	c.stateMu.Lock()
	if c.state == state {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	c.recorder.ConversationState(state)
	c.events.ConversationStateChanged(state, reason)
}
