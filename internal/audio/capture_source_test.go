package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

func TestEnergy(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Energy(nil))
	assert.Zero(t, Energy(pcmFrame(4, 0)))
	assert.InDelta(t, 0.5, Energy(pcmFrame(4, 16384)), 1e-9)
	assert.InDelta(t, 1.0, Energy(pcmFrame(4, -32768)), 1e-9)
	// odd trailing byte ignored
	assert.InDelta(t, 0.5, Energy(append(pcmFrame(2, 16384), 0xff)), 1e-9)
}

func TestEnergyGateStateless(t *testing.T) {
	t.Parallel()

	gate := NewEnergyGate(0.01, 0)
	assert.True(t, gate.Admit(0.01))
	assert.True(t, gate.Admit(0.2))
	assert.False(t, gate.Admit(0.0099))
	assert.False(t, gate.Admit(0))
}

func TestEnergyGateHangover(t *testing.T) {
	t.Parallel()

	gate := NewEnergyGate(0.1, 2)
	assert.False(t, gate.Admit(0.01))
	assert.True(t, gate.Admit(0.5))
	assert.True(t, gate.Admit(0.01))
	assert.True(t, gate.Admit(0.01))
	assert.False(t, gate.Admit(0.01))

	gate.Admit(0.5)
	gate.Reset()
	assert.False(t, gate.Admit(0.01))
}

func TestNewEnergyGateDefaults(t *testing.T) {
	t.Parallel()

	gate := NewEnergyGate(0, -3)
	assert.Equal(t, DefaultThreshold, gate.Threshold)
	assert.Zero(t, gate.Hangover)
}

func TestCaptureSourceForwardsOnlyLoudFrames(t *testing.T) {
	t.Parallel()

	capture := newPipeCapture()
	recorder := &countingRecorder{}
	source := NewCaptureSource(capture, nil, recorder, CaptureConfig{FrameBytes: 8, Threshold: 0.1})

	frames := make(chan domain.AudioFrame, 8)
	source.OnFrame(func(frame domain.AudioFrame) { frames <- frame })

	require.NoError(t, source.Start(context.Background()))
	assert.True(t, source.Running())

	go func() {
		_, _ = capture.writer.Write(pcmFrame(4, 0))
		_, _ = capture.writer.Write(pcmFrame(4, 16384))
		_, _ = capture.writer.Write(pcmFrame(4, 100))
		_, _ = capture.writer.Write(pcmFrame(4, -16384))
	}()

	first := receiveFrame(t, frames)
	second := receiveFrame(t, frames)
	assert.Equal(t, uint64(2), first.Seq)
	assert.Equal(t, uint64(4), second.Seq)
	assert.Len(t, first.PCM, 8)
	assert.InDelta(t, 0.5, first.Energy, 1e-9)

	require.NoError(t, source.Stop())
	assert.False(t, source.Running())
	assert.Equal(t, int64(2), recorder.gated.Load())
	select {
	case frame := <-frames:
		t.Fatalf("unexpected extra frame %#v", frame)
	default:
	}
}

func TestCaptureSourceStartTwiceIsNoop(t *testing.T) {
	t.Parallel()

	capture := newPipeCapture()
	source := NewCaptureSource(capture, nil, nil, CaptureConfig{})

	require.NoError(t, source.Start(context.Background()))
	require.NoError(t, source.Start(context.Background()))
	assert.Equal(t, int32(1), capture.starts.Load())

	require.NoError(t, source.Stop())
	require.NoError(t, source.Stop())
}

func TestCaptureSourceDeviceUnavailable(t *testing.T) {
	t.Parallel()

	source := NewCaptureSource(failingCapture{}, nil, nil, CaptureConfig{})
	err := source.Start(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "busy")
	assert.False(t, source.Running())
}

func TestCaptureSourceStreamEndReleasesDevice(t *testing.T) {
	t.Parallel()

	capture := newPipeCapture()
	source := NewCaptureSource(capture, nil, nil, CaptureConfig{FrameBytes: 4})
	require.NoError(t, source.Start(context.Background()))

	require.NoError(t, capture.writer.Close())
	require.Eventually(t, func() bool { return !source.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, source.Stop())

	// can start again after the device went away
	capture.reset()
	require.NoError(t, source.Start(context.Background()))
	require.NoError(t, source.Stop())
}

func TestCaptureSourceListDevices(t *testing.T) {
	t.Parallel()

	lister := &recordingLister{devices: []ports.Device{{Name: "mic", Default: true}}}
	source := NewCaptureSource(newPipeCapture(), lister, nil, CaptureConfig{Audio: ports.AudioConfig{InputFormat: "alsa"}})

	devices, err := source.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lister.devices, devices)
	assert.Equal(t, "alsa", lister.format)

	empty := NewCaptureSource(newPipeCapture(), nil, nil, CaptureConfig{})
	devices, err = empty.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func pcmFrame(samples int, value int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

func receiveFrame(t *testing.T, frames <-chan domain.AudioFrame) domain.AudioFrame {
	t.Helper()
	select {
	case frame := <-frames:
		return frame
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
		return domain.AudioFrame{}
	}
}

type pipeCapture struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	starts atomic.Int32
}

func newPipeCapture() *pipeCapture {
	c := &pipeCapture{}
	c.reset()
	return c
}

func (c *pipeCapture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reader, c.writer = io.Pipe()
}

func (c *pipeCapture) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	c.starts.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return &pipeSession{reader: c.reader}, nil
}

type pipeSession struct {
	reader *io.PipeReader
}

func (s *pipeSession) Read(p []byte) (int, error) { return s.reader.Read(p) }
func (s *pipeSession) Close() error               { return s.reader.Close() }
func (s *pipeSession) Stop() error                { return s.reader.Close() }

type failingCapture struct{}

func (failingCapture) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	return nil, errors.New("device busy")
}

type countingRecorder struct {
	gated atomic.Int64
}

func (r *countingRecorder) FrameGated() { r.gated.Add(1) }

type recordingLister struct {
	devices []ports.Device
	format  string
}

func (l *recordingLister) ListDevices(_ context.Context, inputFormat string) ([]ports.Device, error) {
	l.format = inputFormat
	return l.devices, nil
}
