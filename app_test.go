package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"voxloop/internal/domain"
)

func TestReasonMessage(t *testing.T) {
	t.Parallel()

	cases := map[domain.StateReason]string{
		domain.ReasonConnecting:         "Connecting to transcription backend",
		domain.ReasonBackendReady:       "Transcription backend ready",
		domain.ReasonConnectFailed:      "Could not connect to transcription backend",
		domain.ReasonBackendDropped:     "Transcription backend dropped the connection",
		domain.ReasonConversationReady:  "Listening",
		domain.ReasonUtteranceAccepted:  "Thinking...",
		domain.ReasonResponseQueued:     "Speaking",
		domain.ReasonSynthesisFailed:    "Speech synthesis failed; listening again",
		domain.ReasonExitPhrase:         "Goodbye",
		domain.ReasonStopRequested:      "Stopped",
		domain.ReasonTranscriberStopped: "Transcription stopped",
	}

	for reason, want := range cases {
		t.Run(string(reason), func(t *testing.T) {
			t.Parallel()
			if got := reasonMessage(reason); got != want {
				t.Fatalf("unexpected message: %q", got)
			}
		})
	}

	if got := reasonMessage("unknown"); got != "" {
		t.Fatalf("expected empty unknown reason message, got %q", got)
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	cases := map[domain.ErrorCode]string{
		domain.ErrorCodeStartup:       "Startup failed",
		domain.ErrorCodeAudioStop:     "Audio stop issue",
		domain.ErrorCodeAudioStream:   "Audio streaming issue",
		domain.ErrorCodeTranscription: "Transcription error",
		domain.ErrorCodeBackendBusy:   "Transcription backend busy",
		domain.ErrorCodeGeneration:    "Response generation failed",
		domain.ErrorCodeSynthesis:     "Speech synthesis failed",
		domain.ErrorCodePlayback:      "Playback failed",
		domain.ErrorCodeRules:         "Rules processing failed",
	}
	for code, want := range cases {
		t.Run(string(code), func(t *testing.T) {
			t.Parallel()
			if got := errorMessage(code, "ignored"); got != want {
				t.Fatalf("unexpected message: %q", got)
			}
		})
	}

	if got := errorMessage("unknown", "detail"); got != "detail" {
		t.Fatalf("expected detail fallback, got %q", got)
	}
	if got := errorMessage("unknown", ""); got != "Unknown error" {
		t.Fatalf("expected unknown fallback, got %q", got)
	}
}

func TestRequireReady(t *testing.T) {
	t.Parallel()

	app := &App{}
	if err := app.requireReady(); err == nil {
		t.Fatalf("expected uninitialized error")
	}
	if err := app.Run(context.Background()); err == nil {
		t.Fatalf("expected Run to refuse an uninitialized app")
	}

	bootErr := errors.New("boot")
	app.bootErr = bootErr
	if err := app.requireReady(); !errors.Is(err, bootErr) {
		t.Fatalf("expected boot error, got %v", err)
	}
	if err := app.Say(context.Background(), "hello"); !errors.Is(err, bootErr) {
		t.Fatalf("expected boot error from Say, got %v", err)
	}
}

func TestGetStatusWhenNotInitialized(t *testing.T) {
	t.Parallel()

	app := &App{}
	status := app.GetStatus()
	if status.State != domain.ConversationStateIdle || status.Session != domain.SessionStateDisconnected {
		t.Fatalf("unexpected status: %+v", status)
	}

	app.bootErr = errors.New("boot")
	status = app.GetStatus()
	if status.State != domain.ConversationStateStopped || status.Message != "boot" {
		t.Fatalf("unexpected boot status: %+v", status)
	}
	if info := app.GetRuntimeInfo(); info["error"] != "boot" {
		t.Fatalf("unexpected runtime info: %v", info)
	}
}

func TestEventSinkLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	app := &App{log: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	app.ConversationStateChanged(domain.ConversationStateListening, domain.ReasonConversationReady)
	app.FinalTranscript("whisper live", "WhisperLive")
	app.AssistantReply("hi there")
	app.SessionError(domain.ErrorCodeGeneration, "upstream said: bearer abcdefghijklmnop")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %s", len(lines), buf.String())
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &state); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if state["state"] != "listening" || state["message"] != "Listening" {
		t.Fatalf("unexpected state record: %v", state)
	}

	var heard map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &heard); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if heard["text"] != "WhisperLive" || heard["raw"] != "whisper live" {
		t.Fatalf("unexpected heard record: %v", heard)
	}

	var failure map[string]any
	if err := json.Unmarshal([]byte(lines[3]), &failure); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if failure["level"] != "WARN" || failure["msg"] != "Response generation failed" {
		t.Fatalf("unexpected error record: %v", failure)
	}
	if strings.Contains(lines[3], "abcdefghijklmnop") {
		t.Fatalf("expected token to be redacted: %s", lines[3])
	}
}

func TestRuntimeArgsSorted(t *testing.T) {
	t.Parallel()

	args := runtimeArgs(map[string]string{"b": "2", "a": "1"})
	if len(args) != 4 || args[0] != "a" || args[1] != "1" || args[2] != "b" {
		t.Fatalf("unexpected args %v", args)
	}
}
