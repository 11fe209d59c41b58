package tts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAI synthesizes through the /audio/speech endpoint of an
// OpenAI-compatible server.
type OpenAI struct {
	client *openai.Client
	apiKey string
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Voice   string
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := openai.SpeechModel(cfg.Model)
	if model == "" {
		model = openai.TTSModel1
	}
	voice := openai.SpeechVoice(cfg.Voice)
	if voice == "" {
		voice = openai.VoiceAlloy
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(apiCfg),
		apiKey: cfg.APIKey,
		model:  model,
		voice:  voice,
	}
}

func (o *OpenAI) Name() string { return "openai" }

// Available only checks that a key is configured; it makes no request.
func (o *OpenAI) Available(context.Context) bool {
	return o.apiKey != ""
}

func (o *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("openai speech: read body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("openai speech: %w", ErrNoAudio)
	}
	return audio, nil
}
