package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"voxloop/internal/logger"
	"voxloop/internal/ports"
)

const (
	startupProbe  = 250 * time.Millisecond
	interruptWait = 1200 * time.Millisecond
)

// FFMPEGCapture streams microphone PCM (s16le) from an ffmpeg subprocess.
type FFMPEGCapture struct {
	command string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withCaptureDefaults(cfg)

	cmd := exec.CommandContext(ctx, c.command, captureArgs(cfg)...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	select {
	case err := <-exited:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimOutput(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(startupProbe):
	}

	logger.Debug("ffmpeg capture started",
		"device", cfg.InputDevice, "format", cfg.InputFormat,
		"sample_rate", cfg.SampleRate, "channels", cfg.Channels)

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		exited:  exited,
	}, nil
}

// ListDevices asks ffmpeg for the input sources of the configured format.
func (c *FFMPEGCapture) ListDevices(ctx context.Context, inputFormat string) ([]ports.Device, error) {
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	out, err := exec.CommandContext(ctx, c.command, "-hide_banner", "-sources", inputFormat).CombinedOutput()
	devices := parseSources(out)
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to list %s sources: %w: %s", inputFormat, err, trimOutput(string(out)))
	}
	return devices, nil
}

func withCaptureDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func captureArgs(cfg ports.AudioConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// parseSources reads `ffmpeg -sources` output:
//
//	Auto-detected sources for pulse:
//	* alsa_input.usb-mic [USB Microphone]
//	  alsa_output.monitor [Monitor of Speakers]
func parseSources(out []byte) []ports.Device {
	var devices []ports.Device
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimSpace(line)
		device := ports.Device{}
		if strings.HasPrefix(line, "*") {
			device.Default = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		}
		name, desc, found := strings.Cut(line, " [")
		device.Name = strings.TrimSpace(name)
		if found {
			device.Description = strings.TrimSuffix(strings.TrimSpace(desc), "]")
		}
		if device.Name != "" {
			devices = append(devices, device)
		}
	}
	return devices
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	exited  <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = stopProcess(s.process, s.exited)

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimOutput(s.stderr.String()))
		}
	})
	return s.stopErr
}

// stopProcess interrupts the process and kills it if it does not exit in time.
func stopProcess(process *os.Process, exited <-chan error) error {
	if process != nil {
		_ = process.Signal(os.Interrupt)
	}

	select {
	case err, ok := <-exited:
		if ok {
			return normalizeStopErr(err)
		}
		return nil
	case <-time.After(interruptWait):
		if process != nil {
			_ = process.Kill()
		}
		if err, ok := <-exited; ok {
			return normalizeStopErr(err)
		}
		return nil
	}
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	if input == "" {
		return input
	}
	return strings.TrimSpace(input)
}

// lockedBuffer collects subprocess stderr while the process is still writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
