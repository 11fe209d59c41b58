// Package llm talks to an OpenAI-compatible chat completion API. The
// default endpoint is a local Ollama server.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"voxloop/internal/logger"
	"voxloop/internal/ports"
)

var ErrEmptyResponse = errors.New("empty response from language model")

const (
	DefaultBaseURL     = "http://localhost:11434/v1"
	DefaultModel       = "llama3.2:3b"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

const DefaultSystemPrompt = "You are a helpful voice assistant. Respond naturally and conversationally. " +
	"Keep your responses concise but informative. You are designed to have spoken conversations, " +
	"so avoid using formatting like bullet points or numbered lists unless specifically requested."

// Config describes the chat endpoint and sampling parameters.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		APIKey:       "ollama",
		Model:        DefaultModel,
		SystemPrompt: DefaultSystemPrompt,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
	}
}

// Client implements ports.ChatModel.
type Client struct {
	api *openai.Client
	cfg Config
	log *slog.Logger
}

func NewClient(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = defaults.APIKey
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaults.SystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		api: openai.NewClientWithConfig(apiCfg),
		cfg: cfg,
		log: logger.With("component", "llm", "model", cfg.Model),
	}
}

// Generate returns the complete reply to userText.
func (c *Client) Generate(ctx context.Context, history []ports.ChatMessage, userText string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(history, userText, false))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	c.log.Debug("reply generated", "chars", len(reply), "finish_reason", resp.Choices[0].FinishReason)
	return reply, nil
}

// Stream emits the reply one sentence at a time. The error channel
// receives at most one value and is closed after the sentence channel.
func (c *Client) Stream(ctx context.Context, history []ports.ChatMessage, userText string) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(out)

		stream, err := c.api.CreateChatCompletionStream(ctx, c.request(history, userText, true))
		if err != nil {
			errs <- fmt.Errorf("chat completion stream: %w", err)
			return
		}
		defer stream.Close()

		emit := func(sentence string) bool {
			select {
			case out <- sentence:
				return true
			case <-ctx.Done():
				return false
			}
		}

		splitter := NewSentenceSplitter()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errs <- fmt.Errorf("chat completion stream: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			for _, sentence := range splitter.Push(resp.Choices[0].Delta.Content) {
				if !emit(sentence) {
					errs <- ctx.Err()
					return
				}
			}
		}
		if rest := splitter.Flush(); rest != "" && !emit(rest) {
			errs <- ctx.Err()
		}
	}()

	return out, errs
}

// Ping checks that the endpoint answers a model listing.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (c *Client) request(history []ports.ChatMessage, userText string, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})

	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
}
