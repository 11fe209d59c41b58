package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// VADPreset is a WhisperLive server-side sensitivity profile.
type VADPreset struct {
	SendLastNSegments   int
	NoSpeechThreshold   float64
	ClipAudio           bool
	SameOutputThreshold int
}

// VADPresets maps sensitivity names to WhisperLive knobs.
var VADPresets = map[string]VADPreset{
	"gentle":     {SendLastNSegments: 8, NoSpeechThreshold: 0.2, ClipAudio: false, SameOutputThreshold: 3},
	"medium":     {SendLastNSegments: 5, NoSpeechThreshold: 0.3, ClipAudio: false, SameOutputThreshold: 5},
	"aggressive": {SendLastNSegments: 3, NoSpeechThreshold: 0.5, ClipAudio: true, SameOutputThreshold: 8},
}

var (
	knownBackends      = []string{BackendWhisperLive, BackendDeepgram}
	knownTTSEngines    = []string{"piper", "espeak", "openai"}
	knownFinalPolicies = []string{"explicit", "end_offset", "completed"}
)

// Tuning returns the backend knobs for the configured sensitivity. Only
// WhisperLive takes them.
func (c TranscriptionConfig) Tuning() map[string]any {
	if c.Backend != BackendWhisperLive {
		return nil
	}
	preset, ok := VADPresets[c.Sensitivity]
	if !ok {
		return nil
	}
	return map[string]any{
		"send_last_n_segments":  preset.SendLastNSegments,
		"no_speech_thresh":      preset.NoSpeechThreshold,
		"clip_audio":            preset.ClipAudio,
		"same_output_threshold": preset.SameOutputThreshold,
	}
}

// Validate rejects values the runtime cannot work with. All problems are
// reported together.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Audio.Channels > 2 {
		add("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.VADThreshold < 0 || c.Audio.VADThreshold > 1 {
		add("audio.vad_threshold must be within [0,1], got %g", c.Audio.VADThreshold)
	}

	if !lo.Contains(knownBackends, c.Transcription.Backend) {
		add("transcription.backend must be one of %s, got %q", strings.Join(knownBackends, "|"), c.Transcription.Backend)
	}
	if c.Transcription.Backend == BackendWhisperLive && strings.TrimSpace(c.Transcription.URL) == "" {
		add("transcription.url is required for whisperlive")
	}
	if c.Transcription.Backend == BackendDeepgram && strings.TrimSpace(c.Deepgram.APIKey) == "" {
		add("DEEPGRAM_API_KEY is required for the deepgram backend")
	}
	if _, ok := VADPresets[c.Transcription.Sensitivity]; !ok {
		add("transcription.sensitivity must be one of %s, got %q", strings.Join(presetNames(), "|"), c.Transcription.Sensitivity)
	}
	if c.Transcription.FinalPolicy != "" && !lo.Contains(knownFinalPolicies, c.Transcription.FinalPolicy) {
		add("transcription.final_policy must be one of %s, got %q", strings.Join(knownFinalPolicies, "|"), c.Transcription.FinalPolicy)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be within [0,2], got %g", c.LLM.Temperature)
	}

	if len(c.TTS.Engines) == 0 {
		add("tts.engines must name at least one engine")
	}
	if unknown := lo.Without(lo.Map(c.TTS.Engines, func(name string, _ int) string {
		return strings.ToLower(strings.TrimSpace(name))
	}), knownTTSEngines...); len(unknown) > 0 {
		add("unknown tts engines %v", unknown)
	}

	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		add("playback.volume must be within [0,1], got %g", c.Playback.Volume)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

func presetNames() []string {
	return []string{"gentle", "medium", "aggressive"}
}
