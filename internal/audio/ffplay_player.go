package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

const playerWaitDelay = 500 * time.Millisecond

// FFPlayPlayer plays encoded audio (WAV, MP3) by piping it into ffplay.
type FFPlayPlayer struct {
	command string
}

func NewFFPlayPlayer(command string) *FFPlayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFPlayPlayer{command: command}
}

// Play blocks until the clip has finished or ctx is cancelled.
// volume is in [0,1].
func (p *FFPlayPlayer) Play(ctx context.Context, audio []byte, volume float64) error {
	if len(audio) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, p.command, playbackArgs(volume)...)
	cmd.Stdin = bytes.NewReader(audio)
	cmd.WaitDelay = playerWaitDelay
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("ffplay failed: %w: %s", err, trimOutput(stderr.String()))
	}
	return nil
}

func playbackArgs(volume float64) []string {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-volume", strconv.Itoa(int(volume*100 + 0.5)),
		"-i", "pipe:0",
	}
}
