// Package tts converts assistant text to WAV audio with local command-line
// engines (piper, espeak) or an OpenAI-compatible speech endpoint.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNoAudio     = errors.New("speech engine produced no audio")
	ErrUnavailable = errors.New("speech engine not available")
)

const engineWaitDelay = 500 * time.Millisecond

// Engine is one speech backend.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Available(ctx context.Context) bool
}

// runToFile runs a command that writes its WAV output to a temp file and
// returns the file contents.
func runToFile(ctx context.Context, name string, build func(outPath string) *exec.Cmd) ([]byte, error) {
	dir, err := os.MkdirTemp("", "voxloop-tts-")
	if err != nil {
		return nil, fmt.Errorf("%s: temp dir: %w", name, err)
	}
	defer os.RemoveAll(dir)

	outPath := filepath.Join(dir, "speech.wav")
	cmd := build(outPath)
	cmd.WaitDelay = engineWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrUnavailable)
		}
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}

	audio, err := os.ReadFile(outPath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(audio) == 0) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoAudio)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read output: %w", name, err)
	}
	return audio, nil
}

func commandAvailable(command string) bool {
	if command == "" {
		return false
	}
	_, err := exec.LookPath(command)
	return err == nil
}
