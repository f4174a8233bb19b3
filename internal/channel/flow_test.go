package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/MPBridge/internal/bridge"
	"github.com/BTreeMap/MPBridge/internal/imageapi"
	"github.com/BTreeMap/MPBridge/internal/models"
	"github.com/BTreeMap/MPBridge/internal/testutil"
	"github.com/BTreeMap/MPBridge/internal/worker"
)

type chatCall struct {
	conversation string
	query        string
	wantVoice    bool
}

type fakeChat struct {
	mu    sync.Mutex
	calls []chatCall
	err   error
}

func (f *fakeChat) Submit(conversation, query string, wantVoice bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatCall{conversation, query, wantVoice})
	return f.err
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChat) lastCall(t *testing.T) chatCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no chat submissions recorded")
	}
	return f.calls[len(f.calls)-1]
}

type fakeAnalyzer struct {
	mu          sync.Mutex
	result      imageapi.Result
	err         error
	block       chan struct{} // when set, Analyze waits for it to close
	gotQuestion string
	calls       int
}

func (f *fakeAnalyzer) Configured() bool { return true }

func (f *fakeAnalyzer) Analyze(ctx context.Context, imagePath, question string) (imageapi.Result, error) {
	f.mu.Lock()
	f.gotQuestion = question
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return imageapi.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGateway struct {
	mu          sync.Mutex
	dir         string
	uploadID    string
	uploadErr   error
	downloadErr error
	uploads     []string
	downloads   []string
	deleted     []string
}

func (f *fakeGateway) DownloadImage(ctx context.Context, picURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	path := filepath.Join(f.dir, fmt.Sprintf("dl-%d.jpg", len(f.downloads)))
	if err := os.WriteFile(path, []byte("image-bytes"), 0o600); err != nil {
		return "", err
	}
	f.downloads = append(f.downloads, picURL)
	return path, nil
}

func (f *fakeGateway) UploadMedia(ctx context.Context, mediaType, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, mediaType+":"+filepath.Base(path))
	return f.uploadID, nil
}

func (f *fakeGateway) DeleteMedia(ctx context.Context, mediaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, mediaID)
	return nil
}

func (f *fakeGateway) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type testEnv struct {
	server   *Server
	bridge   *bridge.Bridge
	chat     *fakeChat
	analyzer *fakeAnalyzer
	gateway  *fakeGateway
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	b := bridge.New(0)
	chat := &fakeChat{}
	analyzer := &fakeAnalyzer{}
	gateway := &fakeGateway{dir: t.TempDir(), uploadID: "UPLOADED-1"}
	pool := worker.NewPool(worker.WithWorkers(2), worker.WithQueueDepth(8))
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	base := []Option{
		WithImageAnalysis(true),
		WithDeadline(40 * time.Millisecond),
		WithPadSleep(time.Millisecond),
		WithMediaDeleteDelay(5 * time.Millisecond),
	}
	srv := NewServer(b, chat, analyzer, gateway, pool, append(base, opts...)...)
	return &testEnv{server: srv, bridge: b, chat: chat, analyzer: analyzer, gateway: gateway}
}

func (env *testEnv) post(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.PostCallback(t, env.server.Routes(), DefaultWebhookPath, body)
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAnalysisSessionEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.result = imageapi.Result{Text: "这是解析结果"}
	env.analyzer.block = make(chan struct{})

	// Trigger keyword opens the session and prompts for the picture.
	rr := env.post(t, testutil.TextEventXML("u1", "mp", 1001, "帮我解析题目"))
	testutil.AssertTextReply(t, rr, "u1", models.UploadPrompt, "trigger reply")

	// The picture dispatches analysis; with the worker blocked the first
	// delivery attempt is acknowledged so the platform redelivers.
	rr = env.post(t, testutil.ImageEventXML("u1", "mp", 1002, "https://wx.example.com/pic"))
	testutil.AssertAck(t, rr, "first image delivery")
	if !env.bridge.Running("u1") {
		t.Fatal("conversation not marked in flight after dispatch")
	}
	if q := env.analyzer.gotQuestion; q != "帮我解析题目" {
		t.Errorf("analyzer question = %q", q)
	}

	// Redelivery of the same event while still running: another ack.
	rr = env.post(t, testutil.ImageEventXML("u1", "mp", 1002, "https://wx.example.com/pic"))
	testutil.AssertAck(t, rr, "second image delivery")

	// Worker finishes; the user's next message fetches the result.
	close(env.analyzer.block)
	waitUntil(t, func() bool { return !env.bridge.Running("u1") }, "analysis completion")

	rr = env.post(t, testutil.TextEventXML("u1", "mp", 1003, "好了吗"))
	testutil.AssertTextReply(t, rr, "u1", "这是解析结果", "result delivery")
	if env.bridge.HasReply("u1") {
		t.Error("cache entry retained after the last fragment was delivered")
	}
	if env.chat.callCount() != 0 {
		t.Error("chat worker invoked during the analysis flow")
	}
}

func TestRedeliveryProtocol(t *testing.T) {
	env := newTestEnv(t)

	// Simulate a slow chat worker: in flight, never finishing on its own.
	if !env.bridge.TryMark("u1") {
		t.Fatal("TryMark failed")
	}

	body := testutil.TextEventXML("u1", "mp", 2001, "问个问题")
	for attempt := 1; attempt <= 2; attempt++ {
		rr := env.post(t, body)
		testutil.AssertAck(t, rr, fmt.Sprintf("attempt %d", attempt))
	}

	// Attempt 3 is the platform's last: admit the work is still running.
	rr := env.post(t, body)
	testutil.AssertTextReply(t, rr, "u1", models.StillThinkingReply, "final attempt")

	// The worker eventually finishes; the user's own next message (a fresh
	// event id) delivers the answer.
	env.bridge.Complete("u1", models.TextFragment("迟到的回答"))
	rr = env.post(t, testutil.TextEventXML("u1", "mp", 2002, "在吗"))
	testutil.AssertTextReply(t, rr, "u1", "迟到的回答", "late delivery")
	if env.bridge.Running("u1") {
		t.Error("conversation still marked in flight")
	}
}

func TestRedeliveryBeyondCapClearsLedger(t *testing.T) {
	env := newTestEnv(t, WithRetryCap(5))
	env.bridge.TryMark("u1")

	body := testutil.TextEventXML("u1", "mp", 2100, "问题")
	for attempt := 1; attempt <= 4; attempt++ {
		env.post(t, body)
	}
	// Attempt 5 reaches the cap; the entry is cleared while answering, so a
	// hypothetical sixth delivery starts over at count 1 instead of pinning
	// the ledger forever.
	rr := env.post(t, body)
	testutil.AssertTextReply(t, rr, "u1", models.StillThinkingReply, "capped attempt")

	if swept := env.bridge.SweepLedger(time.Now().Add(time.Minute)); swept != 0 {
		t.Errorf("ledger still held %d entries after the cap cleared it", swept)
	}
}

func TestChunkedDeliveryAcrossEvents(t *testing.T) {
	env := newTestEnv(t)

	piece := "多字节的长篇回答内容。"
	original := strings.Repeat(piece, 120) // well past the reply byte limit
	env.bridge.Push("u1", models.TextFragment(original))

	rr := env.post(t, testutil.TextEventXML("u1", "mp", 3001, "开始"))
	first := testutil.ParseReply(t, rr.Body.Bytes())
	if len(first.Content) > models.MaxReplyBytes {
		t.Errorf("first chunk is %d bytes, limit %d", len(first.Content), models.MaxReplyBytes)
	}
	if !utf8.ValidString(first.Content) {
		t.Error("first chunk cut inside a UTF-8 sequence")
	}
	if !strings.HasSuffix(first.Content, models.ContinuationNotice) {
		t.Errorf("first chunk missing continuation notice: %q", first.Content[len(first.Content)-40:])
	}

	// Any follow-up message continues delivery without re-invoking a worker.
	rr = env.post(t, testutil.TextEventXML("u1", "mp", 3002, "继续"))
	second := testutil.ParseReply(t, rr.Body.Bytes())

	head := strings.TrimSuffix(first.Content, models.ContinuationNotice)
	if head+second.Content != original {
		t.Error("rejoined chunks do not reconstitute the original text")
	}
	if env.chat.callCount() != 0 {
		t.Error("chat worker invoked while cached fragments were pending")
	}
}

func TestImageWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	rr := env.post(t, testutil.ImageEventXML("u1", "mp", 4001, "https://wx.example.com/pic"))
	want := models.TriggerFirstReply(models.DefaultTriggerKeywords)
	testutil.AssertTextReply(t, rr, "u1", want, "picture without session")
	if env.analyzer.callCount() != 0 {
		t.Error("analysis dispatched without a session")
	}
}

func TestExpiredSessionRejectsImage(t *testing.T) {
	env := newTestEnv(t)
	env.bridge.BeginAwaitImage("u1", "解析题目", time.Now().Add(-models.DefaultSessionTimeout-time.Second))

	rr := env.post(t, testutil.ImageEventXML("u1", "mp", 4002, "https://wx.example.com/pic"))
	testutil.AssertTextReply(t, rr, "u1", models.SessionExpiredReply, "expired session")
	if env.analyzer.callCount() != 0 {
		t.Error("analysis dispatched for an expired session")
	}
	// The expired action was consumed: a second picture needs a new trigger.
	rr = env.post(t, testutil.ImageEventXML("u1", "mp", 4003, "https://wx.example.com/pic"))
	want := models.TriggerFirstReply(models.DefaultTriggerKeywords)
	testutil.AssertTextReply(t, rr, "u1", want, "second picture")
}

func TestSessionJustInsideTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.result = imageapi.Result{Text: "解析好了"}
	env.bridge.BeginAwaitImage("u1", "解析题目", time.Now().Add(-models.DefaultSessionTimeout+time.Second))

	env.post(t, testutil.ImageEventXML("u1", "mp", 4004, "https://wx.example.com/pic"))
	waitUntil(t, func() bool { return env.analyzer.callCount() == 1 }, "analysis dispatch")
}

func TestAnalysisFailureReachesUser(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.err = errors.New("model overloaded")
	env.bridge.BeginAwaitImage("u1", "解析题目", time.Now())

	env.post(t, testutil.ImageEventXML("u1", "mp", 4100, "https://wx.example.com/pic"))
	waitUntil(t, func() bool { return !env.bridge.Running("u1") && env.bridge.HasReply("u1") }, "failure fragment")

	rr := env.post(t, testutil.TextEventXML("u1", "mp", 4101, "怎么样了"))
	reply := testutil.ParseReply(t, rr.Body.Bytes())
	if !strings.Contains(reply.Content, "失败") {
		t.Errorf("failure reply = %q, want a user-visible failure text", reply.Content)
	}
}

func TestRenderedImageDeliveryWithHint(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "solution.jpg")
	if err := os.WriteFile(path, []byte("rendered"), 0o600); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	env.bridge.Push("u1", models.LocalImageFragment(path, "图中是详细步骤"))

	rr := env.post(t, testutil.TextEventXML("u1", "mp", 5001, "取图"))
	testutil.AssertMediaReply(t, rr, "image", "UPLOADED-1", "image delivery")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("local temp file survived delivery")
	}

	// The hint is the next fragment, and the delivered media id is cleaned up
	// remotely after the configured delay.
	rr = env.post(t, testutil.TextEventXML("u1", "mp", 5002, "还有吗"))
	testutil.AssertTextReply(t, rr, "u1", "图中是详细步骤", "hint delivery")
	waitUntil(t, func() bool {
		ids := env.gateway.deletedIDs()
		return len(ids) == 1 && ids[0] == "UPLOADED-1"
	}, "remote media deletion")
}

func TestImageUploadFailureDropsHint(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.uploadErr = errors.New("quota exceeded")
	path := filepath.Join(t.TempDir(), "solution.jpg")
	if err := os.WriteFile(path, []byte("rendered"), 0o600); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	env.bridge.Push("u1", models.LocalImageFragment(path, "不该出现的提示"))

	rr := env.post(t, testutil.TextEventXML("u1", "mp", 5100, "取图"))
	testutil.AssertTextReply(t, rr, "u1", uploadFailedReply, "upload failure")
	if env.bridge.HasReply("u1") {
		t.Error("orphaned hint cached after a failed upload")
	}
}

func TestSubscribeWelcome(t *testing.T) {
	env := newTestEnv(t)

	rr := env.post(t, testutil.NotificationEventXML("u1", "mp", "subscribe"))
	testutil.AssertTextReply(t, rr, "u1", DefaultSubscribeReply, "subscribe")

	rr = env.post(t, testutil.NotificationEventXML("u1", "mp", "unsubscribe"))
	testutil.AssertAck(t, rr, "unsubscribe")
}

func TestUnsupportedContentGetsGreeting(t *testing.T) {
	env := newTestEnv(t)

	rr := env.post(t, testutil.TextEventXML("u1", "mp", 6001, models.UnsupportedContentMarker))
	testutil.AssertTextReply(t, rr, "u1", models.GreetingReply, "unsupported content")
	if env.chat.callCount() != 0 {
		t.Error("chat worker invoked for unsupported content")
	}
}

func TestChatDispatch(t *testing.T) {
	env := newTestEnv(t)

	env.post(t, testutil.TextEventXML("u1", "mp", 7001, "今天天气如何"))
	call := env.chat.lastCall(t)
	if call.conversation != "u1" || call.query != "今天天气如何" || call.wantVoice {
		t.Errorf("chat call = %+v", call)
	}
	if !env.bridge.Running("u1") {
		t.Error("conversation not marked in flight")
	}
}

func TestVoiceUsesRecognition(t *testing.T) {
	env := newTestEnv(t, WithVoiceReply(true))

	env.post(t, testutil.VoiceEventXML("u1", "mp", 7100, "语音里说的话"))
	call := env.chat.lastCall(t)
	if call.query != "语音里说的话" || !call.wantVoice {
		t.Errorf("chat call = %+v", call)
	}
}

func TestChatPrefixGate(t *testing.T) {
	env := newTestEnv(t, WithChatPrefixes([]string{"bot"}))

	rr := env.post(t, testutil.TextEventXML("u1", "mp", 7200, "没有前缀的话"))
	testutil.AssertTextReply(t, rr, "u1", prefixGuidance("bot"), "missing prefix")
	if env.chat.callCount() != 0 {
		t.Error("chat worker invoked without prefix")
	}

	env.post(t, testutil.TextEventXML("u2", "mp", 7201, "bot有前缀的话"))
	call := env.chat.lastCall(t)
	if call.conversation != "u2" || call.query != "有前缀的话" {
		t.Errorf("chat call = %+v", call)
	}
}

func TestConcurrentChatRequestsDispatchOnce(t *testing.T) {
	env := newTestEnv(t)

	// Two simultaneous deliveries for one conversation: the in-flight mark is
	// a single test-and-set, so only one submission reaches the worker.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.post(t, testutil.TextEventXML("u1", "mp", 7300, "同一个问题"))
		}()
	}
	wg.Wait()
	if n := env.chat.callCount(); n != 1 {
		t.Errorf("chat worker invoked %d times, want 1", n)
	}
}
