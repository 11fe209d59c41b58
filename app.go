package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/samber/lo"

	"voxloop/internal/bootstrap"
	"voxloop/internal/config"
	"voxloop/internal/domain"
	"voxloop/internal/logger"
	"voxloop/internal/usecase"
)

// App is the runtime root. It owns the assembled services and reports
// runtime events through the structured logger.
type App struct {
	log *slog.Logger

	coordinator *usecase.Coordinator
	services    bootstrap.Services
	cfg         config.Config
	bootErr     error
}

func NewApp() *App {
	return &App{log: logger.With("component", "app")}
}

func (a *App) startup(cfg config.Config) error {
	services, err := bootstrap.Build(cfg, a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return err
	}

	a.cfg = services.Config
	a.services = services
	a.coordinator = services.Coordinator
	return nil
}

// Run starts the conversation and blocks until ctx is cancelled, an exit
// phrase ends it, or startup fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.requireReady(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var statusErr chan error
	if a.services.Status != nil && a.services.Status.Enabled() {
		statusErr = make(chan error, 1)
		go func() { statusErr <- a.services.Status.Run(ctx) }()
	}
	defer a.closePlayback()

	a.logger().Info("starting voice loop", runtimeArgs(a.GetRuntimeInfo())...)
	if err := a.coordinator.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.coordinator.Stop()
			return nil
		case <-a.coordinator.Done():
			return nil
		case err := <-statusErr:
			statusErr = nil
			if err != nil {
				a.logger().Error("status server stopped", "error", err)
			}
		}
	}
}

// Say injects typed text as if it had been spoken.
func (a *App) Say(ctx context.Context, text string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.SendText(ctx, text)
}

// GetStatus returns the current runtime status.
func (a *App) GetStatus() domain.RuntimeStatus {
	if a.coordinator == nil {
		if a.bootErr != nil {
			return domain.RuntimeStatus{State: domain.ConversationStateStopped, Message: a.bootErr.Error()}
		}
		return domain.RuntimeStatus{State: domain.ConversationStateIdle, Session: domain.SessionStateDisconnected}
	}
	return a.coordinator.Status()
}

// GetRuntimeInfo returns non-sensitive config for display.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	info := map[string]string{
		"backend":     a.cfg.Transcription.Backend,
		"language":    a.cfg.Transcription.Language,
		"llmModel":    a.cfg.LLM.Model,
		"llmBaseURL":  a.cfg.LLM.BaseURL,
		"rulesFile":   a.cfg.Rules.Path,
		"audioInput":  a.cfg.Audio.InputDevice,
		"inputFormat": a.cfg.Audio.InputFormat,
		"stream":      strconv.FormatBool(a.cfg.LLM.Stream),
	}
	if a.cfg.Transcription.Backend == config.BackendDeepgram {
		info["model"] = a.cfg.Deepgram.Model
	} else {
		info["model"] = a.cfg.Transcription.Model
		info["sensitivity"] = a.cfg.Transcription.Sensitivity
	}
	if a.services.Speech != nil {
		info["tts"] = fmt.Sprint(a.services.Speech.Names())
	}
	return info
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.coordinator == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) closePlayback() {
	if a.services.Playback == nil {
		return
	}
	if err := a.services.Playback.Close(); err != nil {
		a.logger().Warn("playback close failed", "error", err)
	}
}

// SessionStateChanged logs transcription session lifecycle updates.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.StateReason) {
	a.logger().Info("session state",
		"state", string(state),
		"reason", string(reason),
		"message", reasonMessage(reason),
	)
}

// ConversationStateChanged logs turn-taking updates.
func (a *App) ConversationStateChanged(state domain.ConversationState, reason domain.StateReason) {
	a.logger().Info("conversation state",
		"state", string(state),
		"reason", string(reason),
		"message", reasonMessage(reason),
	)
}

func (a *App) PartialTranscript(text string) {
	a.logger().Debug("partial transcript", "text", text)
}

func (a *App) FinalTranscript(raw string, rewritten string) {
	if raw == rewritten {
		a.logger().Info("heard", "text", raw)
		return
	}
	a.logger().Info("heard", "text", rewritten, "raw", raw)
}

func (a *App) AssistantReply(text string) {
	a.logger().Info("assistant", "text", text)
}

// SessionError logs runtime errors. Details are redacted before logging.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	level := slog.LevelWarn
	if code == domain.ErrorCodeStartup {
		level = slog.LevelError
	}
	a.logger().Log(context.Background(), level, errorMessage(code, detail),
		"code", string(code),
		"detail", logger.Redact(detail),
	)
}

func (a *App) logger() *slog.Logger {
	if a.log == nil {
		return logger.DefaultLogger
	}
	return a.log
}

func reasonMessage(reason domain.StateReason) string {
	switch reason {
	case domain.ReasonConnecting:
		return "Connecting to transcription backend"
	case domain.ReasonConfigSent:
		return "Waiting for backend to become ready"
	case domain.ReasonBackendReady:
		return "Transcription backend ready"
	case domain.ReasonDraining:
		return "Flushing remaining audio"
	case domain.ReasonDisconnected:
		return "Disconnected"
	case domain.ReasonConnectFailed:
		return "Could not connect to transcription backend"
	case domain.ReasonBackendDropped:
		return "Transcription backend dropped the connection"
	case domain.ReasonConversationReady:
		return "Listening"
	case domain.ReasonUtteranceAccepted:
		return "Thinking..."
	case domain.ReasonResponseQueued:
		return "Speaking"
	case domain.ReasonPlaybackFinished:
		return "Listening"
	case domain.ReasonSynthesisFailed:
		return "Speech synthesis failed; listening again"
	case domain.ReasonExitPhrase:
		return "Goodbye"
	case domain.ReasonStopRequested:
		return "Stopped"
	case domain.ReasonTranscriberStopped:
		return "Transcription stopped"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeBackendBusy:
		return "Transcription backend busy"
	case domain.ErrorCodeGeneration:
		return "Response generation failed"
	case domain.ErrorCodeSynthesis:
		return "Speech synthesis failed"
	case domain.ErrorCodePlayback:
		return "Playback failed"
	case domain.ErrorCodeRules:
		return "Rules processing failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

// runtimeArgs flattens info into sorted slog key/value pairs.
func runtimeArgs(info map[string]string) []any {
	keys := lo.Keys(info)
	slices.Sort(keys)
	return lo.FlatMap(keys, func(key string, _ int) []any {
		return []any{key, info[key]}
	})
}
