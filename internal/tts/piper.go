package tts

import (
	"context"
	"os/exec"
	"strings"
)

// Piper runs `piper --model M --output_file F` with the text on stdin.
type Piper struct {
	Command string
	Model   string
}

func NewPiper(command, model string) *Piper {
	if command == "" {
		command = "piper"
	}
	return &Piper{Command: command, Model: model}
}

func (p *Piper) Name() string { return "piper" }

// Available reports whether the binary is on PATH and a voice model is set.
func (p *Piper) Available(context.Context) bool {
	return p.Model != "" && commandAvailable(p.Command)
}

func (p *Piper) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return runToFile(ctx, p.Name(), func(outPath string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, p.Command, "--model", p.Model, "--output_file", outPath)
		cmd.Stdin = strings.NewReader(text)
		return cmd
	})
}
