// Package genai provides GenAI-backed chat and speech using the OpenAI API.
package genai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// maxSpeechBytes bounds synthesized audio read into memory.
const maxSpeechBytes = 25 << 20

// chatCompleter is the minimal chat-completion surface, extracted so tests
// can substitute a fake.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// speechSynthesizer is the minimal speech surface.
type speechSynthesizer interface {
	New(ctx context.Context, body openai.AudioSpeechNewParams, opts ...option.RequestOption) (*http.Response, error)
}

// Opts holds configuration for Client.
type Opts struct {
	apiKey string
	model  string
	voice  string
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.apiKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.model = model }
}

// WithVoice sets the speech synthesis voice.
func WithVoice(voice string) Option {
	return func(o *Opts) { o.voice = voice }
}

// Client wraps the OpenAI chat and speech services.
type Client struct {
	chat   chatCompleter
	speech speechSynthesizer
	model  openai.ChatModel
	voice  openai.AudioSpeechNewParamsVoice
}

// NewClient initializes a GenAI client. The API key comes from options or the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if o.model == "" {
		o.model = openai.ChatModelGPT4oMini
	}
	if o.voice == "" {
		o.voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	cli := openai.NewClient(option.WithAPIKey(o.apiKey))
	return &Client{
		chat:   &cli.Chat.Completions,
		speech: &cli.Audio.Speech,
		model:  openai.ChatModel(o.model),
		voice:  openai.AudioSpeechNewParamsVoice(o.voice),
	}, nil
}

// Reply generates the assistant's answer for a user message, with the stored
// conversation turns as context.
func (c *Client) Reply(ctx context.Context, systemPrompt string, history []models.Turn, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Speak synthesizes speech for the given text and returns the audio bytes.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	return audio, nil
}
