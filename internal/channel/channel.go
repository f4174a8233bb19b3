// Package channel implements the WeChat Official Account webhook.
//
// The platform delivers every user message as an HTTP POST that must be
// answered within a few seconds, and redelivers the same message up to three
// times when the response is not conclusive. The channel routes each inbound
// event through the bridge: direct replies (prompts, guidance, welcome texts)
// are rendered immediately, chat and picture work is dispatched to workers,
// and the bounded wait loop turns finished worker output into passive
// replies across however many deliveries the platform makes.
package channel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MPBridge/internal/bridge"
	"github.com/BTreeMap/MPBridge/internal/imageapi"
	"github.com/BTreeMap/MPBridge/internal/models"
	"github.com/BTreeMap/MPBridge/internal/wechat"
	"github.com/BTreeMap/MPBridge/internal/worker"
)

// Defaults for the webhook delivery protocol.
const (
	// DefaultWebhookPath is where the platform posts callback messages.
	DefaultWebhookPath = "/wx"
	// DefaultDeadline bounds how long one webhook invocation waits for a
	// worker before giving the platform a non-final answer.
	DefaultDeadline = 4 * time.Second
	// DefaultPadSleep is slept before an early acknowledgement so the
	// platform's redelivery window is consumed rather than raced.
	DefaultPadSleep = 2 * time.Second
	// DefaultRetryCap clears a delivery ledger entry that somehow outlives
	// the platform's documented three redeliveries.
	DefaultRetryCap = 5
	// DefaultMediaDeleteDelay is how long a delivered media id stays on the
	// platform before the remote cleanup call.
	DefaultMediaDeleteDelay = 10 * time.Second
	// DefaultSubscribeReply welcomes a user who just followed the account.
	DefaultSubscribeReply = "感谢关注！\n发送消息开始对话吧。"

	// finalAttempt is the platform delivery attempt that must carry a real
	// answer; the platform stops redelivering after it.
	finalAttempt = 3

	// maxCallbackBody bounds inbound webhook payloads.
	maxCallbackBody = 1 << 20
)

// ChatSubmitter queues chat work for a conversation. Implemented by
// responder.Responder.
type ChatSubmitter interface {
	Submit(conversation, query string, wantVoice bool) error
}

// Analyzer answers questions about an uploaded picture. Implemented by
// imageapi.Client.
type Analyzer interface {
	Configured() bool
	Analyze(ctx context.Context, imagePath, question string) (imageapi.Result, error)
}

// MediaGateway is the platform API surface the channel needs for media
// flows. Implemented by wechat.Client.
type MediaGateway interface {
	UploadMedia(ctx context.Context, mediaType, path string) (string, error)
	DownloadImage(ctx context.Context, picURL string) (string, error)
	DeleteMedia(ctx context.Context, mediaID string) error
}

// Opts holds configuration for the webhook server.
type Opts struct {
	token            string
	crypto           *wechat.Crypto
	webhookPath      string
	imageAPI         bool
	requireKeyword   bool
	keywords         []string
	chatPrefixes     []string
	subscribeReply   string
	voiceReply       bool
	deadline         time.Duration
	padSleep         time.Duration
	retryCap         int
	mediaDeleteDelay time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithToken sets the callback token used to verify platform signatures.
// Without a token, signature checks are skipped.
func WithToken(token string) Option {
	return func(o *Opts) { o.token = token }
}

// WithCrypto enables safe-mode (AES encrypted) callback handling.
func WithCrypto(cr *wechat.Crypto) Option {
	return func(o *Opts) { o.crypto = cr }
}

// WithWebhookPath overrides the callback mount path.
func WithWebhookPath(path string) Option {
	return func(o *Opts) { o.webhookPath = path }
}

// WithImageAnalysis toggles the picture analysis flow.
func WithImageAnalysis(enabled bool) Option {
	return func(o *Opts) { o.imageAPI = enabled }
}

// WithKeywordGate controls whether pictures are analyzed only inside a
// session opened by a trigger keyword.
func WithKeywordGate(required bool) Option {
	return func(o *Opts) { o.requireKeyword = required }
}

// WithTriggerKeywords overrides the keywords that open an analysis session.
func WithTriggerKeywords(keywords []string) Option {
	return func(o *Opts) { o.keywords = keywords }
}

// WithChatPrefixes restricts chat to messages starting with one of the given
// prefixes; other messages get usage guidance.
func WithChatPrefixes(prefixes []string) Option {
	return func(o *Opts) { o.chatPrefixes = prefixes }
}

// WithSubscribeReply sets the welcome text for new followers. Empty disables
// the welcome reply.
func WithSubscribeReply(text string) Option {
	return func(o *Opts) { o.subscribeReply = text }
}

// WithVoiceReply answers voice messages with synthesized voice.
func WithVoiceReply(enabled bool) Option {
	return func(o *Opts) { o.voiceReply = enabled }
}

// WithDeadline overrides the webhook wait deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Opts) { o.deadline = d }
}

// WithPadSleep overrides the pad before early acknowledgements.
func WithPadSleep(d time.Duration) Option {
	return func(o *Opts) { o.padSleep = d }
}

// WithRetryCap overrides the delivery attempt count at which a stuck ledger
// entry is dropped.
func WithRetryCap(n int) Option {
	return func(o *Opts) { o.retryCap = n }
}

// WithMediaDeleteDelay overrides how long delivered media ids linger before
// remote deletion.
func WithMediaDeleteDelay(d time.Duration) Option {
	return func(o *Opts) { o.mediaDeleteDelay = d }
}

// Server answers platform webhook calls. All handler state is owned by the
// bridge and collaborators; the server itself is stateless and safe for
// concurrent requests.
type Server struct {
	bridge   *bridge.Bridge
	chat     ChatSubmitter
	analyzer Analyzer
	gateway  MediaGateway
	pool     *worker.Pool

	token            string
	crypto           *wechat.Crypto
	webhookPath      string
	imageAPI         bool
	requireKeyword   bool
	keywords         []string
	chatPrefixes     []string
	subscribeReply   string
	voiceReply       bool
	deadline         time.Duration
	padSleep         time.Duration
	retryCap         int
	mediaDeleteDelay time.Duration
}

// NewServer creates a webhook server around the bridge and its worker
// collaborators.
func NewServer(b *bridge.Bridge, chat ChatSubmitter, analyzer Analyzer, gateway MediaGateway, pool *worker.Pool, opts ...Option) *Server {
	o := Opts{
		webhookPath:      DefaultWebhookPath,
		requireKeyword:   true,
		keywords:         models.DefaultTriggerKeywords,
		subscribeReply:   DefaultSubscribeReply,
		deadline:         DefaultDeadline,
		padSleep:         DefaultPadSleep,
		retryCap:         DefaultRetryCap,
		mediaDeleteDelay: DefaultMediaDeleteDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	slog.Debug("Creating channel server",
		"webhook_path", o.webhookPath,
		"image_api", o.imageAPI,
		"keyword_gate", o.requireKeyword,
		"safe_mode", o.crypto != nil)
	return &Server{
		bridge:           b,
		chat:             chat,
		analyzer:         analyzer,
		gateway:          gateway,
		pool:             pool,
		token:            o.token,
		crypto:           o.crypto,
		webhookPath:      o.webhookPath,
		imageAPI:         o.imageAPI,
		requireKeyword:   o.requireKeyword,
		keywords:         o.keywords,
		chatPrefixes:     o.chatPrefixes,
		subscribeReply:   o.subscribeReply,
		voiceReply:       o.voiceReply,
		deadline:         o.deadline,
		padSleep:         o.padSleep,
		retryCap:         o.retryCap,
		mediaDeleteDelay: o.mediaDeleteDelay,
	}
}

// Routes mounts the webhook and health endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(s.webhookPath, s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// webhookHandler dispatches the platform's endpoint verification (GET) and
// message callbacks (POST).
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyHandler(w, r)
	case http.MethodPost:
		s.callbackHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyHandler answers the platform's endpoint ownership probe by echoing
// echostr when the signature matches.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.validRequest(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		slog.Warn("Channel verification rejected", "remote", r.RemoteAddr)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}
	slog.Info("Channel verification succeeded", "remote", r.RemoteAddr)
	w.Write([]byte(q.Get("echostr")))
}

// callbackHandler parses one platform message callback, runs it through the
// bridge flow, and writes either a passive reply or the plain
// acknowledgement.
func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.validRequest(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		slog.Warn("Channel callback signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		slog.Error("Channel callback body read failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	env, err := wechat.ParseEnvelope(body)
	if err != nil {
		slog.Warn("Channel callback parse failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	encrypted := q.Get("encrypt_type") == "aes" || env.Encrypted()
	if encrypted {
		if s.crypto == nil {
			slog.Error("Channel received encrypted callback without an AES key configured")
			http.Error(w, "encryption not configured", http.StatusInternalServerError)
			return
		}
		if !wechat.ValidMsgSignature(q.Get("msg_signature"), s.token, q.Get("timestamp"), q.Get("nonce"), env.Encrypt) {
			slog.Warn("Channel callback message signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "signature mismatch", http.StatusForbidden)
			return
		}
		plain, err := s.crypto.Decrypt(env.Encrypt)
		if err != nil {
			slog.Error("Channel callback decrypt failed", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if env, err = wechat.ParseEnvelope(plain); err != nil {
			slog.Warn("Channel decrypted callback parse failed", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}

	event, err := env.ToEvent(time.Now())
	if err != nil {
		// Message kinds outside the bridge (video, location, link) are
		// acknowledged and dropped.
		slog.Info("Channel ignoring callback", "reason", err, "msg_type", env.MsgType)
		s.writeAck(w)
		return
	}

	reply, ok := s.handleEvent(r.Context(), event)
	if !ok {
		s.writeAck(w)
		return
	}

	replyXML, err := wechat.RenderReply(reply)
	if err != nil {
		slog.Error("Channel reply render failed", "error", err, "conversation", event.Conversation)
		s.writeAck(w)
		return
	}
	if encrypted {
		replyXML, err = wechat.RenderEncryptedReply(s.crypto, s.token, replyXML, time.Now(), q.Get("nonce"))
		if err != nil {
			slog.Error("Channel reply encrypt failed", "error", err, "conversation", event.Conversation)
			s.writeAck(w)
			return
		}
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(replyXML)
}

// validRequest checks the platform URL signature; an empty token disables
// the check.
func (s *Server) validRequest(signature, timestamp, nonce string) bool {
	if s.token == "" {
		return true
	}
	return wechat.ValidSignature(signature, s.token, timestamp, nonce)
}

func (s *Server) writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(models.AckBody))
}
