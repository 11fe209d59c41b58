package tts

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

const (
	DefaultEspeakSpeed     = 150
	DefaultEspeakPitch     = 50
	DefaultEspeakAmplitude = 100
)

// Espeak runs `espeak -w F -s speed -p pitch -a amplitude [-v voice] --stdin`.
type Espeak struct {
	Command   string
	Voice     string
	Speed     int
	Pitch     int
	Amplitude int
}

func NewEspeak(command, voice string, speed int) *Espeak {
	if command == "" {
		command = "espeak"
	}
	if speed <= 0 {
		speed = DefaultEspeakSpeed
	}
	return &Espeak{
		Command:   command,
		Voice:     voice,
		Speed:     speed,
		Pitch:     DefaultEspeakPitch,
		Amplitude: DefaultEspeakAmplitude,
	}
}

func (e *Espeak) Name() string { return "espeak" }

func (e *Espeak) Available(context.Context) bool {
	return commandAvailable(e.Command)
}

func (e *Espeak) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return runToFile(ctx, e.Name(), func(outPath string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, e.Command, e.args(outPath)...)
		cmd.Stdin = strings.NewReader(text)
		return cmd
	})
}

func (e *Espeak) args(outPath string) []string {
	args := []string{
		"-w", outPath,
		"-s", strconv.Itoa(e.Speed),
		"-p", strconv.Itoa(e.Pitch),
		"-a", strconv.Itoa(e.Amplitude),
	}
	if e.Voice != "" {
		args = append(args, "-v", e.Voice)
	}
	return append(args, "--stdin")
}
