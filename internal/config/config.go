package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the voice loop.
type Config struct {
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Deepgram      DeepgramConfig      `yaml:"deepgram"`
	LLM           LLMConfig           `yaml:"llm"`
	TTS           TTSConfig           `yaml:"tts"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Rules         RulesConfig         `yaml:"rules"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type AudioConfig struct {
	RecorderCommand string  `yaml:"recorder_command"`
	InputFormat     string  `yaml:"input_format"`
	InputDevice     string  `yaml:"input_device"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FrameBytes      int     `yaml:"frame_bytes"`
	VADThreshold    float64 `yaml:"vad_threshold"`
	// HangoverFrames keeps the gate open after speech; zero disables it.
	HangoverFrames int `yaml:"hangover_frames"`
}

type TranscriptionConfig struct {
	Backend           string        `yaml:"backend"`
	URL               string        `yaml:"url"`
	Language          string        `yaml:"language"`
	Task              string        `yaml:"task"`
	Model             string        `yaml:"model"`
	UseVAD            bool          `yaml:"use_vad"`
	Sensitivity       string        `yaml:"sensitivity"`
	FinalPolicy       string        `yaml:"final_policy"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
}

type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	APIBaseURL     string `yaml:"api_base"`
	Model          string `yaml:"model"`
	SmartFormat    bool   `yaml:"smart_format"`
	InterimResults bool   `yaml:"interim_results"`
}

type LLMConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	HistoryLimit int           `yaml:"history_limit"`
	Stream       bool          `yaml:"stream"`
	Timeout      time.Duration `yaml:"timeout"`
}

type TTSConfig struct {
	// Engines is the fallback order.
	Engines       []string      `yaml:"engines"`
	PiperCommand  string        `yaml:"piper_command"`
	PiperModel    string        `yaml:"piper_model"`
	EspeakCommand string        `yaml:"espeak_command"`
	EspeakVoice   string        `yaml:"espeak_voice"`
	EspeakSpeed   int           `yaml:"espeak_speed"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	OpenAIModel   string        `yaml:"openai_model"`
	OpenAIVoice   string        `yaml:"openai_voice"`
	Timeout       time.Duration `yaml:"timeout"`
}

type PlaybackConfig struct {
	PlayerCommand string  `yaml:"player_command"`
	Volume        float64 `yaml:"volume"`
}

type ConversationConfig struct {
	Greeting          string   `yaml:"greeting"`
	Farewell          string   `yaml:"farewell"`
	Apology           string   `yaml:"apology"`
	ExitPhrases       []string `yaml:"exit_phrases"`
	MinUtteranceChars int      `yaml:"min_utterance_chars"`
}

type RulesConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

type MetricsConfig struct {
	// Address is the status server listen address; empty disables it.
	Address string `yaml:"address"`
}

const (
	BackendWhisperLive = "whisperlive"
	BackendDeepgram    = "deepgram"
)

const (
	defaultGreeting = "Hello! I'm your voice assistant. How can I help you today?"
	defaultFarewell = "Goodbye!"
	defaultApology  = "Sorry, I had trouble processing that."
)

// Load resolves configuration from defaults, an optional YAML file named by
// VOXLOOP_CONFIG, a .env file in the working directory and environment
// variables, in increasing priority. Real environment variables always win
// over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg, err := defaults()
	if err != nil {
		return Config{}, err
	}

	if path := strings.TrimSpace(os.Getenv("VOXLOOP_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaults() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	return Config{
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			FrameBytes:      4096,
			VADThreshold:    0.01,
		},
		Transcription: TranscriptionConfig{
			Backend:        BackendWhisperLive,
			URL:            "ws://localhost:9090",
			Language:       "en",
			Task:           "transcribe",
			Model:          "small",
			UseVAD:         true,
			Sensitivity:    "medium",
			FinalPolicy:    "completed",
			ConnectTimeout: 10 * time.Second,
			ReadyTimeout:   30 * time.Second,
		},
		Deepgram: DeepgramConfig{
			APIBaseURL:  "https://api.deepgram.com/v1",
			Model:       "nova-2",
			SmartFormat: true,
		},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434/v1",
			APIKey:       "ollama",
			Model:        "llama3.2:3b",
			Temperature:  0.7,
			MaxTokens:    150,
			HistoryLimit: 20,
			Timeout:      60 * time.Second,
		},
		TTS: TTSConfig{
			Engines:       []string{"piper", "espeak"},
			PiperCommand:  "piper",
			EspeakCommand: "espeak",
			EspeakSpeed:   150,
			Timeout:       30 * time.Second,
		},
		Playback: PlaybackConfig{
			PlayerCommand: "ffplay",
			Volume:        1.0,
		},
		Conversation: ConversationConfig{
			Greeting:          defaultGreeting,
			Farewell:          defaultFarewell,
			Apology:           defaultApology,
			ExitPhrases:       []string{"exit", "quit", "goodbye", "stop"},
			MinUtteranceChars: 3,
		},
		Rules: RulesConfig{
			Path: firstExisting(
				filepath.Join(home, ".config", "voxloop", "voice.rules"),
				filepath.Join(home, ".config", "voxloop", "substitutions.rules"),
			),
			IterationLimit: 30,
		},
	}, nil
}

func loadFile(path string, cfg *Config) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Audio.RecorderCommand = envOrDefault("VOXLOOP_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("VOXLOOP_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("VOXLOOP_AUDIO_INPUT_DEVICE"),
		os.Getenv("WHISPER_PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("VOXLOOP_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("VOXLOOP_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.FrameBytes = envOrDefaultInt("VOXLOOP_AUDIO_CHUNK_SIZE", cfg.Audio.FrameBytes)
	cfg.Audio.VADThreshold = envOrDefaultFloat("VOXLOOP_VAD_THRESHOLD", cfg.Audio.VADThreshold)
	cfg.Audio.HangoverFrames = envOrDefaultInt("VOXLOOP_VAD_HANGOVER_FRAMES", cfg.Audio.HangoverFrames)

	cfg.Transcription.Backend = strings.ToLower(envOrDefault("VOXLOOP_TRANSCRIPTION_BACKEND", cfg.Transcription.Backend))
	cfg.Transcription.URL = envOrDefault("WHISPERLIVE_URL", cfg.Transcription.URL)
	cfg.Transcription.Language = envOrDefault("VOXLOOP_LANGUAGE", cfg.Transcription.Language)
	cfg.Transcription.Task = envOrDefault("VOXLOOP_TASK", cfg.Transcription.Task)
	cfg.Transcription.Model = envOrDefault("WHISPER_MODEL", cfg.Transcription.Model)
	cfg.Transcription.UseVAD = envOrDefaultBool("VOXLOOP_USE_VAD", cfg.Transcription.UseVAD)
	cfg.Transcription.Sensitivity = strings.ToLower(envOrDefault("VOXLOOP_VAD_SENSITIVITY", cfg.Transcription.Sensitivity))
	cfg.Transcription.FinalPolicy = strings.ToLower(envOrDefault("VOXLOOP_FINAL_POLICY", cfg.Transcription.FinalPolicy))
	cfg.Transcription.ConnectTimeout = envOrDefaultMillis("VOXLOOP_CONNECT_TIMEOUT_MS", cfg.Transcription.ConnectTimeout)
	cfg.Transcription.ReadyTimeout = envOrDefaultMillis("VOXLOOP_READY_TIMEOUT_MS", cfg.Transcription.ReadyTimeout)
	cfg.Transcription.ReconnectAttempts = envOrDefaultInt("VOXLOOP_RECONNECT_ATTEMPTS", cfg.Transcription.ReconnectAttempts)

	cfg.Deepgram.APIKey = envOrDefault("DEEPGRAM_API_KEY", cfg.Deepgram.APIKey)
	cfg.Deepgram.APIBaseURL = envOrDefault("DEEPGRAM_API_BASE", cfg.Deepgram.APIBaseURL)
	cfg.Deepgram.Model = envOrDefault("DEEPGRAM_MODEL", cfg.Deepgram.Model)
	cfg.Deepgram.SmartFormat = envOrDefaultBool("DEEPGRAM_SMART_FORMAT", cfg.Deepgram.SmartFormat)
	cfg.Deepgram.InterimResults = envOrDefaultBool("DEEPGRAM_INTERIM_RESULTS", cfg.Deepgram.InterimResults)

	cfg.LLM.BaseURL = firstNonEmpty(os.Getenv("VOXLOOP_LLM_BASE_URL"), os.Getenv("OLLAMA_BASE_URL"), cfg.LLM.BaseURL)
	cfg.LLM.APIKey = envOrDefault("VOXLOOP_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = firstNonEmpty(os.Getenv("VOXLOOP_LLM_MODEL"), os.Getenv("OLLAMA_MODEL"), cfg.LLM.Model)
	cfg.LLM.SystemPrompt = envOrDefault("VOXLOOP_SYSTEM_PROMPT", cfg.LLM.SystemPrompt)
	cfg.LLM.Temperature = envOrDefaultFloat("VOXLOOP_LLM_TEMPERATURE", cfg.LLM.Temperature)
	cfg.LLM.MaxTokens = envOrDefaultInt("VOXLOOP_LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.HistoryLimit = envOrDefaultInt("VOXLOOP_HISTORY_LIMIT", cfg.LLM.HistoryLimit)
	cfg.LLM.Stream = envOrDefaultBool("VOXLOOP_LLM_STREAM", cfg.LLM.Stream)
	cfg.LLM.Timeout = envOrDefaultMillis("VOXLOOP_LLM_TIMEOUT_MS", cfg.LLM.Timeout)

	cfg.TTS.Engines = envOrDefaultList("VOXLOOP_TTS_ENGINES", cfg.TTS.Engines)
	cfg.TTS.PiperCommand = envOrDefault("VOXLOOP_PIPER_COMMAND", cfg.TTS.PiperCommand)
	cfg.TTS.PiperModel = envOrDefault("VOXLOOP_PIPER_MODEL", cfg.TTS.PiperModel)
	cfg.TTS.EspeakCommand = envOrDefault("VOXLOOP_ESPEAK_COMMAND", cfg.TTS.EspeakCommand)
	cfg.TTS.EspeakVoice = envOrDefault("VOXLOOP_ESPEAK_VOICE", cfg.TTS.EspeakVoice)
	cfg.TTS.EspeakSpeed = envOrDefaultInt("VOXLOOP_ESPEAK_SPEED", cfg.TTS.EspeakSpeed)
	cfg.TTS.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.TTS.OpenAIBaseURL)
	cfg.TTS.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.TTS.OpenAIAPIKey)
	cfg.TTS.OpenAIModel = envOrDefault("VOXLOOP_OPENAI_TTS_MODEL", cfg.TTS.OpenAIModel)
	cfg.TTS.OpenAIVoice = envOrDefault("VOXLOOP_OPENAI_TTS_VOICE", cfg.TTS.OpenAIVoice)
	cfg.TTS.Timeout = envOrDefaultMillis("VOXLOOP_TTS_TIMEOUT_MS", cfg.TTS.Timeout)

	cfg.Playback.PlayerCommand = envOrDefault("VOXLOOP_FFPLAY_COMMAND", cfg.Playback.PlayerCommand)
	cfg.Playback.Volume = envOrDefaultFloat("VOXLOOP_VOLUME", cfg.Playback.Volume)

	cfg.Conversation.Greeting = envOrDefault("VOXLOOP_GREETING", cfg.Conversation.Greeting)
	cfg.Conversation.Farewell = envOrDefault("VOXLOOP_FAREWELL", cfg.Conversation.Farewell)
	cfg.Conversation.Apology = envOrDefault("VOXLOOP_APOLOGY", cfg.Conversation.Apology)
	cfg.Conversation.ExitPhrases = envOrDefaultList("VOXLOOP_EXIT_PHRASES", cfg.Conversation.ExitPhrases)
	cfg.Conversation.MinUtteranceChars = envOrDefaultInt("VOXLOOP_MIN_UTTERANCE_CHARS", cfg.Conversation.MinUtteranceChars)
	// an explicitly empty greeting turns it off
	if value, ok := os.LookupEnv("VOXLOOP_GREETING"); ok && strings.TrimSpace(value) == "" {
		cfg.Conversation.Greeting = ""
	}

	cfg.Rules.Path = envOrDefault("VOXLOOP_RULES_FILE", cfg.Rules.Path)
	cfg.Rules.IterationLimit = envOrDefaultInt("VOXLOOP_RULE_ITERATION_LIMIT", cfg.Rules.IterationLimit)

	cfg.Metrics.Address = envOrDefault("VOXLOOP_METRICS_ADDR", cfg.Metrics.Address)
}

// normalize replaces out-of-range values that have an obvious fallback.
// Values without one are left for Validate.
func normalize(cfg *Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameBytes < 256 {
		cfg.Audio.FrameBytes = 4096
	}
	if cfg.Audio.HangoverFrames < 0 {
		cfg.Audio.HangoverFrames = 0
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = 30
	}
	if cfg.LLM.HistoryLimit <= 0 {
		cfg.LLM.HistoryLimit = 20
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 150
	}
	if cfg.Transcription.ReconnectAttempts < 0 {
		cfg.Transcription.ReconnectAttempts = 0
	}
	if cfg.Conversation.MinUtteranceChars < 0 {
		cfg.Conversation.MinUtteranceChars = 0
	}
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

// envOrDefaultList reads a comma-separated list.
func envOrDefaultList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
