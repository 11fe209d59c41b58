package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadUsesRulesFallbackOrder(t *testing.T) {
	home := t.TempDir()
	voiceRules := filepath.Join(home, ".config", "voxloop", "voice.rules")
	legacyRules := filepath.Join(home, ".config", "voxloop", "substitutions.rules")

	if err := os.MkdirAll(filepath.Dir(legacyRules), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(legacyRules, []byte("a => b\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("VOXLOOP_RULES_FILE", "")
	t.Setenv("VOXLOOP_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Rules.Path != legacyRules {
		t.Fatalf("expected substitutions fallback, got %q", cfg.Rules.Path)
	}

	if err := os.WriteFile(voiceRules, []byte("a => c\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg2, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg2.Rules.Path != voiceRules {
		t.Fatalf("expected voice.rules priority, got %q", cfg2.Rules.Path)
	}
}

func TestLoadRespectsOverrides(t *testing.T) {
	home := t.TempDir()
	rules := filepath.Join(home, "my.rules")
	if err := os.WriteFile(rules, []byte("x => y\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("VOXLOOP_CONFIG", "")
	t.Setenv("VOXLOOP_TRANSCRIPTION_BACKEND", "Deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "test-key")
	t.Setenv("DEEPGRAM_MODEL", "nova-3")
	t.Setenv("DEEPGRAM_SMART_FORMAT", "false")
	t.Setenv("VOXLOOP_FFMPEG_COMMAND", "my-ffmpeg")
	t.Setenv("VOXLOOP_AUDIO_INPUT_FORMAT", "alsa")
	t.Setenv("VOXLOOP_AUDIO_INPUT_DEVICE", "mic0")
	t.Setenv("VOXLOOP_SAMPLE_RATE", "22050")
	t.Setenv("VOXLOOP_VAD_THRESHOLD", "0.05")
	t.Setenv("VOXLOOP_RULES_FILE", rules)
	t.Setenv("VOXLOOP_RULE_ITERATION_LIMIT", "42")
	t.Setenv("VOXLOOP_LLM_MODEL", "qwen2.5:7b")
	t.Setenv("VOXLOOP_LLM_STREAM", "yes")
	t.Setenv("VOXLOOP_LLM_TIMEOUT_MS", "2500")
	t.Setenv("VOXLOOP_TTS_ENGINES", "espeak, piper,")
	t.Setenv("VOXLOOP_EXIT_PHRASES", "bye,see you")
	t.Setenv("VOXLOOP_METRICS_ADDR", "127.0.0.1:9464")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Transcription.Backend != BackendDeepgram {
		t.Fatalf("unexpected backend %q", cfg.Transcription.Backend)
	}
	if cfg.Deepgram.APIKey != "test-key" || cfg.Deepgram.Model != "nova-3" || cfg.Deepgram.SmartFormat {
		t.Fatalf("unexpected deepgram config: %+v", cfg.Deepgram)
	}
	if cfg.Audio.RecorderCommand != "my-ffmpeg" || cfg.Audio.InputFormat != "alsa" || cfg.Audio.InputDevice != "mic0" {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 22050 || cfg.Audio.VADThreshold != 0.05 {
		t.Fatalf("unexpected sample rate/threshold: %+v", cfg.Audio)
	}
	if cfg.Rules.Path != rules || cfg.Rules.IterationLimit != 42 {
		t.Fatalf("unexpected rules config: %+v", cfg.Rules)
	}
	if cfg.LLM.Model != "qwen2.5:7b" || !cfg.LLM.Stream || cfg.LLM.Timeout != 2500*time.Millisecond {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if strings.Join(cfg.TTS.Engines, ",") != "espeak,piper" {
		t.Fatalf("unexpected tts engines: %v", cfg.TTS.Engines)
	}
	if strings.Join(cfg.Conversation.ExitPhrases, "|") != "bye|see you" {
		t.Fatalf("unexpected exit phrases: %v", cfg.Conversation.ExitPhrases)
	}
	if cfg.Metrics.Address != "127.0.0.1:9464" {
		t.Fatalf("unexpected metrics address %q", cfg.Metrics.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadYAMLFileWithEnvOverride(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "voxloop.yaml")
	contents := `
transcription:
  url: ws://whisper.lan:9090
  sensitivity: aggressive
  ready_timeout: 5s
llm:
  model: from-file
  temperature: 0.2
conversation:
  greeting: ""
  exit_phrases: [halt]
playback:
  volume: 0.5
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("VOXLOOP_CONFIG", path)
	t.Setenv("VOXLOOP_LLM_MODEL", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Transcription.URL != "ws://whisper.lan:9090" || cfg.Transcription.ReadyTimeout != 5*time.Second {
		t.Fatalf("unexpected transcription config: %+v", cfg.Transcription)
	}
	if cfg.LLM.Model != "from-env" {
		t.Fatalf("expected env to win over file, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.Temperature != 0.2 || cfg.Playback.Volume != 0.5 {
		t.Fatalf("unexpected file values: %+v %+v", cfg.LLM, cfg.Playback)
	}
	if cfg.Conversation.Greeting != "" || len(cfg.Conversation.ExitPhrases) != 1 {
		t.Fatalf("unexpected conversation config: %+v", cfg.Conversation)
	}
	// untouched sections keep defaults
	if cfg.Audio.SampleRate != 16000 || cfg.LLM.MaxTokens != 150 {
		t.Fatalf("expected defaults to survive the overlay: %+v %+v", cfg.Audio, cfg.LLM)
	}

	tuning := cfg.Transcription.Tuning()
	if tuning["send_last_n_segments"] != 3 || tuning["clip_audio"] != true {
		t.Fatalf("unexpected tuning: %v", tuning)
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "broken.yaml")
	if err := os.WriteFile(path, []byte("llm: [unterminated"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("VOXLOOP_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}

	t.Setenv("VOXLOOP_CONFIG", filepath.Join(home, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected read error for a named file that does not exist")
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	dotenv := "VOXLOOP_ESPEAK_VOICE=en-gb\nVOXLOOP_LLM_MODEL=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("VOXLOOP_CONFIG", "")
	t.Setenv("VOXLOOP_LLM_MODEL", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("VOXLOOP_ESPEAK_VOICE") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TTS.EspeakVoice != "en-gb" {
		t.Fatalf("expected .env value, got %q", cfg.TTS.EspeakVoice)
	}
	if cfg.LLM.Model != "from-env" {
		t.Fatalf("expected real env to win over .env, got %q", cfg.LLM.Model)
	}
}

func TestLoadInvalidNumericValuesFallback(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VOXLOOP_CONFIG", "")
	t.Setenv("VOXLOOP_SAMPLE_RATE", "bad")
	t.Setenv("VOXLOOP_CHANNELS", "-1")
	t.Setenv("VOXLOOP_RULE_ITERATION_LIMIT", "0")
	t.Setenv("VOXLOOP_AUDIO_CHUNK_SIZE", "5")
	t.Setenv("VOXLOOP_LLM_TIMEOUT_MS", "bad")
	t.Setenv("VOXLOOP_HISTORY_LIMIT", "-3")
	t.Setenv("DEEPGRAM_SMART_FORMAT", "not-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 1 {
		t.Fatalf("expected default channels, got %d", cfg.Audio.Channels)
	}
	if cfg.Rules.IterationLimit != 30 {
		t.Fatalf("expected default iteration limit, got %d", cfg.Rules.IterationLimit)
	}
	if cfg.Audio.FrameBytes != 4096 {
		t.Fatalf("expected chunk size fallback, got %d", cfg.Audio.FrameBytes)
	}
	if cfg.LLM.Timeout != time.Minute {
		t.Fatalf("expected default llm timeout, got %s", cfg.LLM.Timeout)
	}
	if cfg.LLM.HistoryLimit != 20 {
		t.Fatalf("expected default history limit, got %d", cfg.LLM.HistoryLimit)
	}
	if !cfg.Deepgram.SmartFormat {
		t.Fatalf("expected default smart format true")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := defaults()
	if err != nil {
		t.Fatalf("defaults failed: %v", err)
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	tests := map[string]func(*Config){
		"unknown backend":   func(c *Config) { c.Transcription.Backend = "vosk" },
		"deepgram no key":   func(c *Config) { c.Transcription.Backend = BackendDeepgram; c.Deepgram.APIKey = "" },
		"unknown preset":    func(c *Config) { c.Transcription.Sensitivity = "loud" },
		"unknown policy":    func(c *Config) { c.Transcription.FinalPolicy = "sometimes" },
		"volume range":      func(c *Config) { c.Playback.Volume = 1.5 },
		"threshold range":   func(c *Config) { c.Audio.VADThreshold = -0.1 },
		"temperature range": func(c *Config) { c.LLM.Temperature = 3 },
		"no tts engines":    func(c *Config) { c.TTS.Engines = nil },
		"unknown tts":       func(c *Config) { c.TTS.Engines = []string{"piper", "festival"} },
		"too many channels": func(c *Config) { c.Audio.Channels = 6 },
	}
	for name, mutate := range tests {
		cfg := base
		cfg.TTS.Engines = append([]string(nil), base.TTS.Engines...)
		mutate(&cfg)
		err := cfg.Validate()
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestTuningOnlyForWhisperLive(t *testing.T) {
	t.Parallel()

	cfg := TranscriptionConfig{Backend: BackendWhisperLive, Sensitivity: "gentle"}
	tuning := cfg.Tuning()
	if tuning["send_last_n_segments"] != 8 || tuning["no_speech_thresh"] != 0.2 || tuning["same_output_threshold"] != 3 {
		t.Fatalf("unexpected gentle tuning: %v", tuning)
	}

	cfg.Backend = BackendDeepgram
	if cfg.Tuning() != nil {
		t.Fatalf("expected no tuning for deepgram")
	}
}
