package genai

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// NewClient hands the SDK's service structs to these interfaces by pointer;
// the value types do not carry the pointer-receiver New methods.
var (
	_ chatCompleter     = &openai.ChatCompletionService{}
	_ speechSynthesizer = &openai.AudioSpeechService{}
)

type fakeChat struct {
	gotMessages int
	resp        *openai.ChatCompletion
	err         error
}

func (f *fakeChat) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.gotMessages = len(body.Messages)
	return f.resp, f.err
}

type fakeSpeech struct {
	audio []byte
	err   error
}

func (f *fakeSpeech) New(ctx context.Context, body openai.AudioSpeechNewParams, opts ...option.RequestOption) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{Body: io.NopCloser(bytes.NewReader(f.audio))}, nil
}

func TestReplyAssemblesContext(t *testing.T) {
	chat := &fakeChat{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "四十二"}},
			},
		},
	}
	c := &Client{chat: chat, model: openai.ChatModelGPT4oMini}

	history := []models.Turn{
		{Role: models.RoleUser, Content: "你好"},
		{Role: models.RoleAssistant, Content: "你好，很高兴见到你"},
	}
	out, err := c.Reply(context.Background(), "你是一个助手", history, "答案是什么")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if out != "四十二" {
		t.Errorf("reply = %q", out)
	}
	// system + 2 history turns + user question
	if chat.gotMessages != 4 {
		t.Errorf("sent %d messages, want 4", chat.gotMessages)
	}
}

func TestReplyNoChoices(t *testing.T) {
	c := &Client{chat: &fakeChat{resp: &openai.ChatCompletion{}}}
	if _, err := c.Reply(context.Background(), "", nil, "hi"); err == nil {
		t.Error("empty choices accepted")
	}
}

func TestReplyPropagatesError(t *testing.T) {
	wantErr := errors.New("rate limited")
	c := &Client{chat: &fakeChat{err: wantErr}}
	if _, err := c.Reply(context.Background(), "", nil, "hi"); !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped %v", err, wantErr)
	}
}

func TestSpeak(t *testing.T) {
	c := &Client{speech: &fakeSpeech{audio: []byte("mp3-bytes")}}
	audio, err := c.Speak(context.Background(), "你好")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if string(audio) != "mp3-bytes" {
		t.Errorf("audio = %q", audio)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("missing API key accepted")
	}
	if _, err := NewClient(WithAPIKey("sk-test")); err != nil {
		t.Errorf("NewClient with key: %v", err)
	}
}
