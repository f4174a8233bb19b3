package channel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/MPBridge/internal/imageapi"
	"github.com/BTreeMap/MPBridge/internal/models"
	"github.com/BTreeMap/MPBridge/internal/wechat"
	"github.com/BTreeMap/MPBridge/internal/worker"
)

// User-visible channel texts.
const (
	unknownErrorReply  = "未知错误，请稍后再试"
	uploadFailedReply  = "图片发送失败，请稍后再试"
	busyReply          = models.FailurePrefix + "服务繁忙，请稍后再试"
	downloadFailedBody = models.FailurePrefix + "图片下载失败"
)

// prefixGuidance tells the user how to address the bot when chat prefixes
// are configured.
func prefixGuidance(prefix string) string {
	return fmt.Sprintf("请输入'%s'接你想说的话跟我说话。\n例如:\n%s你好，很高兴见到你。", prefix, prefix)
}

// containsKeyword returns the first configured keyword found inside the
// text, or empty.
func containsKeyword(text string, keywords []string) string {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

// stripChatPrefix matches the query against the configured prefixes and
// strips the matching one. With no prefixes configured every query matches
// unchanged.
func stripChatPrefix(query string, prefixes []string) (string, bool) {
	if len(prefixes) == 0 {
		return query, true
	}
	for _, p := range prefixes {
		if p == "" {
			return query, true
		}
		if strings.HasPrefix(query, p) {
			return strings.TrimPrefix(query, p), true
		}
	}
	return query, false
}

// handleEvent routes one inbound event and returns its passive reply;
// ok=false selects the plain acknowledgement.
func (s *Server) handleEvent(ctx context.Context, e *models.Event) (models.Reply, bool) {
	now := time.Now()
	if e.Type == models.EventTypeEvent {
		return s.handleNotification(e, now)
	}

	// A conversation with no cached replies and no running work starts a
	// new request; anything else continues delivery of earlier work.
	if !s.bridge.HasReply(e.Conversation) && !s.bridge.Running(e.Conversation) {
		if reply, direct := s.dispatchNew(e, now); direct {
			return reply, true
		}
	}
	return s.awaitReply(ctx, e)
}

// handleNotification answers platform notifications. Only new followers get
// a reply, and only when a welcome text is configured.
func (s *Server) handleNotification(e *models.Event, now time.Time) (models.Reply, bool) {
	slog.Info("Channel event notification", "event", e.EventName, "conversation", e.Conversation)
	switch e.EventName {
	case "subscribe", "subscribe_scan":
		if s.subscribeReply != "" {
			return models.TextReply(e, s.subscribeReply, now), true
		}
	}
	return models.Reply{}, false
}

// dispatchNew handles the first delivery of a new request. It returns a
// direct reply, or direct=false after queueing worker work, letting the
// caller run the delivery wait loop.
func (s *Server) dispatchNew(e *models.Event, now time.Time) (models.Reply, bool) {
	if s.imageAPI && s.requireKeyword && e.Type == models.EventTypeText {
		if kw := containsKeyword(e.Content, s.keywords); kw != "" {
			s.bridge.BeginAwaitImage(e.Conversation, e.Content, now)
			slog.Info("Channel opened analysis session", "conversation", e.Conversation, "keyword", kw)
			return models.TextReply(e, models.UploadPrompt, now), true
		}
	}

	if e.Type == models.EventTypeImage && s.imageAPI {
		question := ""
		if s.requireKeyword {
			action, ok := s.bridge.TakeSession(e.Conversation)
			if !ok {
				slog.Info("Channel picture without analysis session", "conversation", e.Conversation)
				return models.TextReply(e, models.TriggerFirstReply(s.keywords), now), true
			}
			if s.bridge.SessionExpired(action, now) {
				slog.Info("Channel analysis session expired", "conversation", e.Conversation)
				return models.TextReply(e, models.SessionExpiredReply, now), true
			}
			question = action.Question
		} else if action, ok := s.bridge.TakeSession(e.Conversation); ok && !s.bridge.SessionExpired(action, now) {
			// Gating off: a leftover session still contributes its question.
			question = action.Question
		}
		s.dispatchAnalysis(e, question)
		return models.Reply{}, false
	}

	return s.dispatchChat(e, now)
}

// dispatchChat queues a chat completion for text and voice messages, or
// produces guidance for queries that cannot be dispatched.
func (s *Server) dispatchChat(e *models.Event, now time.Time) (models.Reply, bool) {
	query := e.Content
	wantVoice := false
	if e.Type == models.EventTypeVoice {
		query = e.Recognition
		wantVoice = s.voiceReply
	}

	supported := !strings.Contains(query, models.UnsupportedContentMarker)
	stripped, matched := stripChatPrefix(query, s.chatPrefixes)

	if supported && matched && strings.TrimSpace(stripped) != "" {
		if s.bridge.TryMark(e.Conversation) {
			// Submit caches its own failure reply when the queue is full.
			if err := s.chat.Submit(e.Conversation, stripped, wantVoice); err != nil {
				slog.Error("Channel chat submit failed", "error", err, "conversation", e.Conversation)
			}
		}
		return models.Reply{}, false
	}

	prefix := ""
	if len(s.chatPrefixes) > 0 {
		prefix = s.chatPrefixes[0]
	}
	switch {
	case prefix != "":
		return models.TextReply(e, prefixGuidance(prefix), now), true
	case !supported:
		return models.TextReply(e, models.GreetingReply, now), true
	default:
		slog.Warn("Channel received empty query", "conversation", e.Conversation, "type", e.Type)
		return models.TextReply(e, unknownErrorReply, now), true
	}
}

// dispatchAnalysis marks the conversation in flight and queues the picture
// analysis task. Queue rejection caches a busy reply for the wait loop to
// deliver.
func (s *Server) dispatchAnalysis(e *models.Event, question string) {
	conversation := e.Conversation
	if !s.bridge.TryMark(conversation) {
		return
	}
	picURL := e.PicURL
	task := worker.Task{
		Name: "analyze",
		Run: func(ctx context.Context) error {
			return s.analyze(ctx, conversation, picURL, question)
		},
		Cleanup: func() {
			s.bridge.Complete(conversation)
		},
	}
	if err := s.pool.Submit(task); err != nil {
		slog.Error("Channel analysis submit failed", "error", err, "conversation", conversation)
		s.bridge.Push(conversation, models.TextFragment(busyReply))
		return
	}
	slog.Info("Channel analysis queued", "conversation", conversation, "question_set", question != "")
}

// analyze downloads the picture, calls the analysis service, and completes
// the conversation with the resulting fragments. Runs on the worker pool.
func (s *Server) analyze(ctx context.Context, conversation, picURL, question string) error {
	path, err := s.gateway.DownloadImage(ctx, picURL)
	if err != nil {
		s.bridge.Complete(conversation, models.TextFragment(downloadFailedBody))
		return fmt.Errorf("download picture: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Channel temp picture remove failed", "error", err, "path", path)
		}
	}()

	res, err := s.analyzer.Analyze(ctx, path, question)
	if err != nil {
		s.bridge.Complete(conversation, models.TextFragment(imageapi.FailureText(err)))
		return fmt.Errorf("analyze picture: %w", err)
	}

	if res.ImageURL != "" {
		rendered, err := s.gateway.DownloadImage(ctx, res.ImageURL)
		if err != nil {
			slog.Error("Channel rendered picture download failed", "error", err, "conversation", conversation)
		} else {
			s.bridge.Complete(conversation, models.LocalImageFragment(rendered, res.Text))
			return nil
		}
	}
	s.bridge.Complete(conversation, models.TextFragment(res.Text))
	return nil
}

// awaitReply runs the bounded delivery protocol for one platform delivery
// attempt: count it, wait briefly for running work, then either stretch the
// redelivery window, admit the work is still running, or deliver the next
// cached fragment.
func (s *Server) awaitReply(ctx context.Context, e *models.Event) (models.Reply, bool) {
	attempt := s.bridge.BumpDelivery(e.ID)
	slog.Info("Channel delivery attempt", "attempt", attempt, "conversation", e.Conversation, "event_id", e.ID, "type", e.Type)

	deadline := e.ReceivedAt.Add(s.deadline)
	if s.bridge.Wait(ctx, e.Conversation, deadline) {
		if attempt < finalAttempt {
			// Consume this attempt; the platform will redeliver.
			time.Sleep(s.padSleep)
			return models.Reply{}, false
		}
		if attempt >= s.retryCap {
			// The platform stops at three attempts; entries past the cap
			// would otherwise never clear.
			s.bridge.ClearDelivery(e.ID)
		}
		return models.TextReply(e, models.StillThinkingReply, time.Now()), true
	}

	s.bridge.ClearDelivery(e.ID)

	frag, ok := s.bridge.PopChunked(e.Conversation)
	if !ok {
		return models.Reply{}, false
	}
	return s.deliver(ctx, e, frag)
}

// deliver renders one popped fragment as a passive reply. Image fragments
// still backed by a local file are uploaded first; their hint text, if any,
// becomes the next cached fragment only after a successful upload.
func (s *Server) deliver(ctx context.Context, e *models.Event, frag models.ReplyFragment) (models.Reply, bool) {
	now := time.Now()
	switch frag.Kind {
	case models.FragmentText:
		slog.Info("Channel delivering text", "conversation", e.Conversation, "bytes", len(frag.Text))
		return models.TextReply(e, frag.Text, now), true

	case models.FragmentVoice:
		slog.Info("Channel delivering voice", "conversation", e.Conversation, "media_id", frag.MediaID)
		s.scheduleMediaDelete(frag.MediaID)
		return models.MediaReply(e, models.FragmentVoice, frag.MediaID, now), true

	case models.FragmentImage:
		mediaID := frag.MediaID
		if mediaID == "" {
			id, err := s.gateway.UploadMedia(ctx, wechat.MediaTypeImage, frag.LocalPath)
			if err != nil {
				slog.Error("Channel picture upload failed", "error", err, "conversation", e.Conversation)
				return models.TextReply(e, uploadFailedReply, now), true
			}
			if err := os.Remove(frag.LocalPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("Channel temp picture remove failed", "error", err, "path", frag.LocalPath)
			}
			if frag.Hint != "" {
				s.bridge.PushNext(e.Conversation, models.TextFragment(frag.Hint))
			}
			mediaID = id
		}
		slog.Info("Channel delivering picture", "conversation", e.Conversation, "media_id", mediaID)
		s.scheduleMediaDelete(mediaID)
		return models.MediaReply(e, models.FragmentImage, mediaID, now), true
	}

	slog.Error("Channel dropped fragment of unknown kind", "kind", frag.Kind, "conversation", e.Conversation)
	return models.Reply{}, false
}

// scheduleMediaDelete queues the remote deletion of a delivered media id
// after the configured delay.
func (s *Server) scheduleMediaDelete(mediaID string) {
	if mediaID == "" {
		return
	}
	time.AfterFunc(s.mediaDeleteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.gateway.DeleteMedia(ctx, mediaID); err != nil {
			slog.Warn("Channel media delete failed", "error", err, "media_id", mediaID)
			return
		}
		slog.Debug("Channel media deleted", "media_id", mediaID)
	})
}
