// Package playback queues synthesized speech and plays it strictly in order.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"voxloop/internal/domain"
	"voxloop/internal/logger"
	"voxloop/internal/ports"
)

var (
	ErrClosed     = errors.New("playback sink closed")
	ErrEmptyAudio = errors.New("empty audio buffer")
)

const DefaultVolume = 1.0

// Options configures a Sink.
type Options struct {
	// Volume in [0,1]; zero means DefaultVolume.
	Volume   float64
	Recorder ports.Recorder
	// OnError is called from the playback goroutine when a clip fails.
	OnError func(seq uint64, err error)
}

// Sink plays queued buffers one at a time on a single goroutine.
type Sink struct {
	player   ports.AudioPlayer
	recorder ports.Recorder
	onError  func(uint64, error)
	log      *slog.Logger

	mu            sync.Mutex
	queue         []domain.PlaybackItem
	nextSeq       uint64
	playing       bool
	cancelCurrent context.CancelFunc
	idle          chan struct{}
	volume        float64
	closed        bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(player ports.AudioPlayer, opts Options) *Sink {
	if opts.Volume == 0 {
		opts.Volume = DefaultVolume
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Sink{
		player:   player,
		recorder: opts.Recorder,
		onError:  opts.OnError,
		log:      logger.With("component", "playback"),
		idle:     idle,
		volume:   clampVolume(opts.Volume),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Enqueue appends audio to the queue and returns its sequence number.
func (s *Sink) Enqueue(audio []byte) (uint64, error) {
	if len(audio) == 0 {
		return 0, ErrEmptyAudio
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.nextSeq++
	seq := s.nextSeq
	s.queue = append(s.queue, domain.PlaybackItem{Seq: seq, Audio: audio})
	s.markBusyLocked()
	depth := s.depthLocked()
	s.mu.Unlock()

	s.reportDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return seq, nil
}

// IsBusy reports whether a clip is playing or queued.
func (s *Sink) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing || len(s.queue) > 0
}

// Idle returns a channel closed once nothing is playing or queued.
func (s *Sink) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// WaitIdle blocks until the sink drains or ctx ends.
func (s *Sink) WaitIdle(ctx context.Context) error {
	select {
	case <-s.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll drops queued clips and interrupts the current one.
func (s *Sink) StopAll() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	if !s.playing {
		s.markIdleLocked()
	}
	s.mu.Unlock()

	s.reportDepth(0)
	if dropped > 0 {
		s.log.Debug("playback queue cleared", "dropped", dropped)
	}
}

// SetVolume clamps v to [0,1], applies it from the next clip on and
// returns the value in effect.
func (s *Sink) SetVolume(v float64) float64 {
	v = clampVolume(v)
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	return v
}

func (s *Sink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Close stops playback, discards the queue and ends the loop goroutine.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.queue = nil
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	s.markIdleLocked()
	s.mu.Unlock()
	s.reportDepth(0)
	return nil
}

func (s *Sink) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			item, playCtx, volume, ok := s.next()
			if !ok {
				break
			}
			err := s.player.Play(playCtx, item.Audio, volume)
			s.finish(item, playCtx, err)
		}
	}
}

func (s *Sink) next() (domain.PlaybackItem, context.Context, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) == 0 {
		return domain.PlaybackItem{}, nil, 0, false
	}
	item := s.queue[0]
	s.queue[0] = domain.PlaybackItem{}
	s.queue = s.queue[1:]

	playCtx, cancel := context.WithCancel(s.ctx)
	s.playing = true
	s.cancelCurrent = cancel
	return item, playCtx, s.volume, true
}

func (s *Sink) finish(item domain.PlaybackItem, playCtx context.Context, err error) {
	interrupted := playCtx.Err() != nil

	s.mu.Lock()
	s.playing = false
	if s.cancelCurrent != nil {
		s.cancelCurrent()
		s.cancelCurrent = nil
	}
	if len(s.queue) == 0 {
		s.markIdleLocked()
	}
	depth := s.depthLocked()
	s.mu.Unlock()

	s.reportDepth(depth)
	if err == nil || interrupted {
		return
	}
	s.log.Warn("playback failed", "seq", item.Seq, "error", err)
	if s.onError != nil {
		s.onError(item.Seq, err)
	}
}

func (s *Sink) markBusyLocked() {
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
}

func (s *Sink) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

func (s *Sink) depthLocked() int {
	depth := len(s.queue)
	if s.playing {
		depth++
	}
	return depth
}

func (s *Sink) reportDepth(depth int) {
	if s.recorder != nil {
		s.recorder.PlaybackQueue(depth)
	}
}

func clampVolume(v float64) float64 {
	return lo.Clamp(v, 0, 1)
}
