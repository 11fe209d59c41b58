package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"voxloop/internal/domain"
	"voxloop/internal/logger"
	"voxloop/internal/ports"
)

// ErrDeviceUnavailable is returned when the input device cannot be opened.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

const defaultFrameBytes = 2048

// CaptureConfig controls segmented capture and gating.
type CaptureConfig struct {
	Audio ports.AudioConfig
	// FrameBytes is the fixed frame size read from the device.
	FrameBytes int
	Threshold  float64
	// HangoverFrames enables gate hysteresis; zero keeps it stateless.
	HangoverFrames int
}

type sourceLister interface {
	ListDevices(ctx context.Context, inputFormat string) ([]ports.Device, error)
}

type gateRecorder interface {
	FrameGated()
}

// CaptureSource reads fixed-size PCM frames from the device, scores their
// energy and hands frames that pass the gate to a single consumer.
type CaptureSource struct {
	capture  ports.AudioCapture
	lister   sourceLister
	recorder gateRecorder
	cfg      CaptureConfig
	log      *slog.Logger

	mu      sync.Mutex
	session ports.AudioSession
	cancel  context.CancelFunc
	done    chan struct{}

	consumerMu sync.RWMutex
	consumer   func(domain.AudioFrame)
}

// NewCaptureSource builds a capture source. lister and recorder may be nil.
func NewCaptureSource(capture ports.AudioCapture, lister sourceLister, recorder gateRecorder, cfg CaptureConfig) *CaptureSource {
	if cfg.FrameBytes < pcmBytesPerSample {
		cfg.FrameBytes = defaultFrameBytes
	}
	cfg.FrameBytes -= cfg.FrameBytes % pcmBytesPerSample
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &CaptureSource{
		capture:  capture,
		lister:   lister,
		recorder: recorder,
		cfg:      cfg,
		log:      logger.With("component", "capture"),
	}
}

// OnFrame registers the frame consumer, replacing any previous one.
func (s *CaptureSource) OnFrame(fn func(domain.AudioFrame)) {
	s.consumerMu.Lock()
	s.consumer = fn
	s.consumerMu.Unlock()
}

// Running reports whether capture is active.
func (s *CaptureSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Start opens the device and begins continuous capture. Starting twice is a no-op.
func (s *CaptureSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.log.Warn("capture already running")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	session, err := s.capture.Start(runCtx, s.cfg.Audio)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	done := make(chan struct{})
	s.session = session
	s.cancel = cancel
	s.done = done

	go s.readFrames(session, done)

	s.log.Info("capture started",
		"device", s.cfg.Audio.InputDevice,
		"frame_bytes", s.cfg.FrameBytes,
		"threshold", s.cfg.Threshold,
		"hangover", s.cfg.HangoverFrames)
	return nil
}

// Stop halts capture and releases the device. Safe when not running.
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	session, cancel, done := s.session, s.cancel, s.done
	s.session, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if session == nil {
		return nil
	}

	err := session.Stop()
	cancel()
	<-done
	s.log.Info("capture stopped")
	return err
}

// ListDevices enumerates input devices for the configured input format.
func (s *CaptureSource) ListDevices(ctx context.Context) ([]ports.Device, error) {
	if s.lister == nil {
		return nil, nil
	}
	return s.lister.ListDevices(ctx, withCaptureDefaults(s.cfg.Audio).InputFormat)
}

func (s *CaptureSource) readFrames(session ports.AudioSession, done chan struct{}) {
	defer close(done)

	gate := NewEnergyGate(s.cfg.Threshold, s.cfg.HangoverFrames)
	buf := make([]byte, s.cfg.FrameBytes)
	var seq uint64

	for {
		n, err := io.ReadFull(session, buf)
		if n > 0 && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)) {
			seq++
			s.emit(gate, seq, buf[:n])
		}
		if err != nil {
			s.finishRead(session, done, err)
			return
		}
	}
}

func (s *CaptureSource) emit(gate *EnergyGate, seq uint64, pcm []byte) {
	energy := Energy(pcm)
	if !gate.Admit(energy) {
		if s.recorder != nil {
			s.recorder.FrameGated()
		}
		return
	}

	s.consumerMu.RLock()
	consumer := s.consumer
	s.consumerMu.RUnlock()
	if consumer == nil {
		return
	}

	consumer(domain.AudioFrame{
		Seq:    seq,
		PCM:    append([]byte(nil), pcm...),
		Energy: energy,
		At:     time.Now(),
	})
}

// finishRead releases the device when it ends without Stop being called.
func (s *CaptureSource) finishRead(session ports.AudioSession, done chan struct{}, err error) {
	s.mu.Lock()
	owned := s.done == done
	var cancel context.CancelFunc
	if owned {
		cancel = s.cancel
		s.session, s.cancel, s.done = nil, nil, nil
	}
	s.mu.Unlock()

	if !owned {
		return
	}

	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.log.Error("capture read failed", "error", err)
	} else {
		s.log.Warn("capture device closed the stream")
	}
	_ = session.Stop()
	cancel()
}
