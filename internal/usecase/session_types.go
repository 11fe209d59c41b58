package usecase

import (
	"sync"
	"time"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

// activeLink is one live connection of a TranscriptionSession.
type activeLink struct {
	conn ports.TranscriptionConn
	id   string

	// closing tells the listener to stop forwarding events.
	closing     chan struct{}
	closingOnce sync.Once
	// ready is closed when the link leaves AwaitingReady.
	ready     chan struct{}
	readyOnce sync.Once
	// done is closed when the listener exits.
	done chan struct{}
}

func newActiveLink(conn ports.TranscriptionConn, id string) *activeLink {
	return &activeLink{
		conn:    conn,
		id:      id,
		closing: make(chan struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (l *activeLink) markReady() {
	l.readyOnce.Do(func() { close(l.ready) })
}

func (l *activeLink) markClosing() {
	l.closingOnce.Do(func() { close(l.closing) })
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type noopRecorder struct{}

func (noopRecorder) FrameForwarded()                            {}
func (noopRecorder) FrameGated()                                {}
func (noopRecorder) FrameDropped()                              {}
func (noopRecorder) Utterance(string)                           {}
func (noopRecorder) TurnCompleted(string, time.Duration)        {}
func (noopRecorder) SessionState(domain.SessionState)           {}
func (noopRecorder) ConversationState(domain.ConversationState) {}
func (noopRecorder) PlaybackQueue(int)                          {}

type passthroughRules struct{}

func (passthroughRules) Heard(text string) (string, error)  { return text, nil }
func (passthroughRules) Spoken(text string) (string, error) { return text, nil }
