// Package responder answers chat events out of band.
//
// The webhook cannot wait for a language model, so it marks the conversation
// in flight and hands the query here; a pool task builds the answer from
// stored history, appends the new turns, optionally synthesizes speech, and
// completes the conversation through the bridge, where the next webhook
// invocation finds the fragments.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/MPBridge/internal/bridge"
	"github.com/BTreeMap/MPBridge/internal/models"
	"github.com/BTreeMap/MPBridge/internal/store"
	"github.com/BTreeMap/MPBridge/internal/wechat"
	"github.com/BTreeMap/MPBridge/internal/worker"
)

const (
	// DefaultSystemPrompt is the assistant persona used when none is
	// configured.
	DefaultSystemPrompt = "你是ChatGPT, 一个由OpenAI训练的大型语言模型, 你旨在回答并解决人们的任何问题，并且可以使用多种语言与人交流。"
	// DefaultMaxTurns caps how many stored turns accompany a query.
	DefaultMaxTurns = 10
	// DefaultTaskTimeout bounds one answer end to end, speech included, so a
	// hung upstream call cannot pin a pool slot.
	DefaultTaskTimeout = 120 * time.Second
)

// busyReply answers submissions the saturated pool turned away.
const busyReply = models.FailurePrefix + "服务繁忙，请稍后再试"

// Generator produces chat replies and speech audio. *genai.Client implements
// it.
type Generator interface {
	Reply(ctx context.Context, systemPrompt string, history []models.Turn, user string) (string, error)
	Speak(ctx context.Context, text string) ([]byte, error)
}

// MediaUploader pushes synthesized audio to the platform so a voice reply can
// reference it. *wechat.Client implements it.
type MediaUploader interface {
	UploadMedia(ctx context.Context, mediaType, path string) (string, error)
}

// Opts holds configuration for Responder.
type Opts struct {
	systemPrompt string
	maxTurns     int
	tempDir      string
	timeout      time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithSystemPrompt sets the assistant persona.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.systemPrompt = prompt }
}

// WithMaxTurns caps the stored turns sent as context.
func WithMaxTurns(n int) Option {
	return func(o *Opts) { o.maxTurns = n }
}

// WithTempDir sets the directory synthesized audio is staged in.
func WithTempDir(dir string) Option {
	return func(o *Opts) { o.tempDir = dir }
}

// WithTimeout bounds one answer task.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.timeout = d }
}

// Responder turns queued chat events into cached reply fragments.
type Responder struct {
	bridge   *bridge.Bridge
	store    store.Store
	gen      Generator
	uploader MediaUploader
	pool     *worker.Pool

	systemPrompt string
	maxTurns     int
	tempDir      string
	timeout      time.Duration
}

// New creates a Responder over the given collaborators.
func New(b *bridge.Bridge, st store.Store, gen Generator, uploader MediaUploader, pool *worker.Pool, opts ...Option) *Responder {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.systemPrompt == "" {
		o.systemPrompt = DefaultSystemPrompt
	}
	if o.maxTurns <= 0 {
		o.maxTurns = DefaultMaxTurns
	}
	if o.tempDir == "" {
		o.tempDir = os.TempDir()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTaskTimeout
	}
	slog.Debug("Creating responder", "maxTurns", o.maxTurns, "timeout", o.timeout)
	return &Responder{
		bridge:       b,
		store:        st,
		gen:          gen,
		uploader:     uploader,
		pool:         pool,
		systemPrompt: o.systemPrompt,
		maxTurns:     o.maxTurns,
		tempDir:      o.tempDir,
		timeout:      o.timeout,
	}
}

// Submit enqueues an answer task for a conversation the caller has already
// marked in flight. The mark is released on every path: completion, failure,
// panic, and submit-time rejection. A rejected submission leaves a busy
// failure text in the cache so the user still learns the outcome.
func (r *Responder) Submit(conversation, query string, wantVoice bool) error {
	task := worker.Task{
		Name: "respond",
		Run: func(ctx context.Context) error {
			return r.respond(ctx, conversation, query, wantVoice)
		},
		Cleanup: func() { r.bridge.Complete(conversation) },
	}
	if err := r.pool.Submit(task); err != nil {
		slog.Error("Responder submission rejected", "conversation", conversation, "error", err)
		r.bridge.Push(conversation, models.TextFragment(busyReply))
		return err
	}
	slog.Debug("Responder task queued", "conversation", conversation, "wantVoice", wantVoice)
	return nil
}

func (r *Responder) respond(ctx context.Context, conversation, query string, wantVoice bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	frags, err := r.answer(ctx, conversation, query, wantVoice)
	if err != nil {
		r.bridge.Complete(conversation, models.TextFragment(models.FailurePrefix+err.Error()))
		return err
	}
	r.bridge.Complete(conversation, frags...)
	return nil
}

func (r *Responder) answer(ctx context.Context, conversation, query string, wantVoice bool) ([]models.ReplyFragment, error) {
	history, err := r.store.RecentTurns(conversation, r.maxTurns)
	if err != nil {
		// Answer without context rather than not at all.
		slog.Error("Responder history load failed", "conversation", conversation, "error", err)
		history = nil
	}

	text, err := r.gen.Reply(ctx, r.systemPrompt, history, query)
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	now := time.Now()
	for _, turn := range []models.Turn{
		{Role: models.RoleUser, Content: query, CreatedAt: now},
		{Role: models.RoleAssistant, Content: text, CreatedAt: now},
	} {
		if err := r.store.AppendTurn(conversation, turn); err != nil {
			slog.Error("Responder turn append failed", "conversation", conversation, "role", turn.Role, "error", err)
		}
	}

	var frags []models.ReplyFragment
	if wantVoice {
		mediaID, err := r.synthesize(ctx, text)
		if err != nil {
			slog.Error("Responder speech failed, answering with text only", "conversation", conversation, "error", err)
		} else {
			frags = append(frags, models.VoiceFragment(mediaID))
		}
	}
	frags = append(frags, models.TextFragment(text))
	return frags, nil
}

// synthesize renders the reply as speech, stages it in the temp directory,
// and uploads it as voice media. The staged file is removed before return.
func (r *Responder) synthesize(ctx context.Context, text string) (string, error) {
	audio, err := r.gen.Speak(ctx, text)
	if err != nil {
		return "", fmt.Errorf("synthesize speech: %w", err)
	}
	path := filepath.Join(r.tempDir, "voice-"+uuid.NewString()+".mp3")
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return "", fmt.Errorf("write speech file: %w", err)
	}
	defer os.Remove(path)

	mediaID, err := r.uploader.UploadMedia(ctx, wechat.MediaTypeVoice, path)
	if err != nil {
		return "", fmt.Errorf("upload speech: %w", err)
	}
	return mediaID, nil
}
