package bootstrap

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"

	"voxloop/internal/audio"
	"voxloop/internal/config"
	"voxloop/internal/domain"
	"voxloop/internal/llm"
	"voxloop/internal/metrics"
	"voxloop/internal/playback"
	"voxloop/internal/ports"
	"voxloop/internal/providers/deepgram"
	"voxloop/internal/providers/whisperlive"
	"voxloop/internal/rules"
	"voxloop/internal/tts"
	"voxloop/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Coordinator *usecase.Coordinator
	Capture     *audio.CaptureSource
	Playback    *playback.Sink
	Speech      *tts.Chain
	Status      *metrics.Server
	Config      config.Config
}

// Build wires all backend dependencies for the given configuration.
func Build(cfg config.Config, events ports.EventSink) (Services, error) {
	if err := cfg.Validate(); err != nil {
		return Services{}, err
	}

	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	policy, _ := usecase.ParseFinalPolicy(cfg.Transcription.FinalPolicy)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	ffmpeg := audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand)
	capture := audio.NewCaptureSource(ffmpeg, ffmpeg, recorder, audio.CaptureConfig{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		FrameBytes:     cfg.Audio.FrameBytes,
		Threshold:      cfg.Audio.VADThreshold,
		HangoverFrames: cfg.Audio.HangoverFrames,
	})

	session := usecase.NewTranscriptionSession(newDialer(cfg), usecase.SessionOptions{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		Language:       cfg.Transcription.Language,
		Task:           cfg.Transcription.Task,
		Model:          cfg.Transcription.Model,
		UseVAD:         cfg.Transcription.UseVAD,
		Tuning:         cfg.Transcription.Tuning(),
		ConnectTimeout: cfg.Transcription.ConnectTimeout,
	}, events, recorder)

	speech, err := newSpeech(cfg.TTS)
	if err != nil {
		return Services{}, err
	}

	sink := playback.New(audio.NewFFPlayPlayer(cfg.Playback.PlayerCommand), playback.Options{
		Volume:   cfg.Playback.Volume,
		Recorder: recorder,
		OnError: func(seq uint64, err error) {
			events.SessionError(domain.ErrorCodePlayback, fmt.Sprintf("clip %d: %v", seq, err))
		},
	})

	coordinator := usecase.NewCoordinator(usecase.Collaborators{
		Capture: capture,
		Session: session,
		Model: llm.NewClient(llm.Config{
			BaseURL:      cfg.LLM.BaseURL,
			APIKey:       cfg.LLM.APIKey,
			Model:        cfg.LLM.Model,
			SystemPrompt: cfg.LLM.SystemPrompt,
			Temperature:  float32(cfg.LLM.Temperature),
			MaxTokens:    cfg.LLM.MaxTokens,
		}),
		Speech:   speech,
		Playback: sink,
		History:  llm.NewConversation(cfg.LLM.HistoryLimit),
		Rules:    rulesEngine,
		Events:   events,
		Recorder: recorder,
	}, usecase.CoordinatorConfig{
		Greeting:          cfg.Conversation.Greeting,
		Farewell:          cfg.Conversation.Farewell,
		Apology:           cfg.Conversation.Apology,
		ExitPhrases:       cfg.Conversation.ExitPhrases,
		StreamReplies:     cfg.LLM.Stream,
		ReadyTimeout:      cfg.Transcription.ReadyTimeout,
		GenerationTimeout: cfg.LLM.Timeout,
		ReconnectAttempts: cfg.Transcription.ReconnectAttempts,
		Segmenter: usecase.SegmenterConfig{
			Policy:   policy,
			MinChars: cfg.Conversation.MinUtteranceChars,
		},
	})

	return Services{
		Coordinator: coordinator,
		Capture:     capture,
		Playback:    sink,
		Speech:      speech,
		Status:      metrics.NewServer(cfg.Metrics.Address, registry, coordinator.Status),
		Config:      cfg,
	}, nil
}

func newDialer(cfg config.Config) ports.TranscriptionDialer {
	if cfg.Transcription.Backend == config.BackendDeepgram {
		return deepgram.NewDialer(deepgram.Config{
			APIKey:         cfg.Deepgram.APIKey,
			APIBaseURL:     cfg.Deepgram.APIBaseURL,
			Model:          cfg.Deepgram.Model,
			Language:       cfg.Transcription.Language,
			SmartFormat:    cfg.Deepgram.SmartFormat,
			InterimResults: cfg.Deepgram.InterimResults,
			DialTimeout:    cfg.Transcription.ConnectTimeout,
		})
	}
	return whisperlive.NewDialer(whisperlive.Config{
		URL:         cfg.Transcription.URL,
		DialTimeout: cfg.Transcription.ConnectTimeout,
	})
}

func newSpeech(cfg config.TTSConfig) (*tts.Chain, error) {
	names := lo.Uniq(lo.Map(cfg.Engines, func(name string, _ int) string {
		return strings.ToLower(strings.TrimSpace(name))
	}))

	engines := make([]tts.Engine, 0, len(names))
	for _, name := range names {
		switch name {
		case "piper":
			engines = append(engines, tts.NewPiper(cfg.PiperCommand, cfg.PiperModel))
		case "espeak":
			engines = append(engines, tts.NewEspeak(cfg.EspeakCommand, cfg.EspeakVoice, cfg.EspeakSpeed))
		case "openai":
			engines = append(engines, tts.NewOpenAI(tts.OpenAIConfig{
				BaseURL: cfg.OpenAIBaseURL,
				APIKey:  cfg.OpenAIAPIKey,
				Model:   cfg.OpenAIModel,
				Voice:   cfg.OpenAIVoice,
			}))
		default:
			return nil, fmt.Errorf("unknown speech engine %q", name)
		}
	}
	return tts.NewChain(engines...).WithTimeout(cfg.Timeout), nil
}
