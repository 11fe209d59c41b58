package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

// frameGate hands captured frames to the pump without ever blocking the
// capture goroutine. Frames are only admitted while open reports true.
type frameGate struct {
	frames   chan domain.AudioFrame
	open     func() bool
	recorder ports.Recorder
}

func newFrameGate(buffer int, open func() bool, recorder ports.Recorder) *frameGate {
	if buffer <= 0 {
		buffer = 32
	}
	return &frameGate{
		frames:   make(chan domain.AudioFrame, buffer),
		open:     open,
		recorder: recorder,
	}
}

// Offer is registered as the capture consumer.
func (g *frameGate) Offer(frame domain.AudioFrame) {
	if !g.open() {
		g.recorder.FrameGated()
		return
	}
	select {
	case g.frames <- frame:
	default:
		g.recorder.FrameDropped()
	}
}

// pumpAudioFrames forwards gated frames to the transcription session until
// ctx ends. Session drops are silent; transport errors are reported once
// per connection so a dead socket does not flood the sink.
func pumpAudioFrames(
	ctx context.Context,
	frames <-chan domain.AudioFrame,
	session ports.Transcriber,
	events ports.EventSink,
	log *slog.Logger,
	done chan struct{},
) {
	defer close(done)

	var reported <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			err := session.SendAudio(frame)
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			current := session.Done()
			if reported == current {
				continue
			}
			reported = current
			log.Warn("audio send failed", "seq", frame.Seq, "error", err)
			events.SessionError(domain.ErrorCodeAudioStream, fmt.Sprintf("failed to stream audio: %v", err))
		}
	}
}
