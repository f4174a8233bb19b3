// Package models defines the core data structures for MPBridge.
//
// It includes the platform-neutral inbound event, the tagged reply fragment
// variants held by the reply cache, pending session actions, and the protocol
// constants shared by the bridge, channel, and workers.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType classifies an inbound platform event.
type EventType string

const (
	// EventTypeText is a plain text message from the user.
	EventTypeText EventType = "text"
	// EventTypeVoice is a voice message, optionally carrying a platform transcription.
	EventTypeVoice EventType = "voice"
	// EventTypeImage is an uploaded picture.
	EventTypeImage EventType = "image"
	// EventTypeEvent is a platform notification such as subscribe/unsubscribe.
	EventTypeEvent EventType = "event"
)

// Protocol constants for the passive-reply bridge.
const (
	// AckBody is the plain acknowledgement the platform treats as "no reply".
	AckBody = "success"
	// MaxReplyBytes is the largest UTF-8 payload a single passive reply may carry.
	MaxReplyBytes = 2048
	// ContinuationNotice is appended to each delivered chunk of an oversized reply.
	ContinuationNotice = "\n【未完待续，回复任意文字以继续】"
	// StillThinkingReply is sent on the final platform retry while work is unfinished.
	StillThinkingReply = "【正在思考中，回复任意文字尝试获取回复】"
	// UnsupportedContentMarker is the placeholder body the platform substitutes
	// for message kinds it cannot forward.
	UnsupportedContentMarker = "【收到不支持的消息类型，暂无法显示】"
	// GreetingReply answers events that carry no usable content.
	GreetingReply = "你好，很高兴见到你。\n请跟我说话吧。"
	// FailurePrefix starts every user-visible worker error reply.
	FailurePrefix = "处理失败: "
)

// Image-analysis session constants.
const (
	// UploadPrompt asks the user for a picture after a trigger keyword.
	UploadPrompt = "请上传需要解析的题目图片📷"
	// SessionExpiredReply answers a picture that arrived after the await window closed.
	SessionExpiredReply = "会话已超时，请重新发送触发指令（如：解析题目）"
	// DefaultSessionTimeout bounds how long an await-image session stays valid.
	DefaultSessionTimeout = 300 * time.Second
)

// DefaultTriggerKeywords start an image-analysis session when they appear in a text message.
var DefaultTriggerKeywords = []string{"解析题目", "解题", "分析题目"}

// TriggerFirstReply renders the guidance for a picture that arrived with no
// pending session, listing the configured trigger keywords.
func TriggerFirstReply(keywords []string) string {
	return fmt.Sprintf("请先发送触发指令（如：%s），然后再上传图片", strings.Join(keywords, "、"))
}

// Error variables for better error handling and testability
var (
	ErrEmptyConversation = errors.New("conversation cannot be empty")
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrMissingEventID    = errors.New("event id is required for message events")
	ErrInvalidFragment   = errors.New("fragment fields do not match its kind")
	ErrEmptyFragment     = errors.New("fragment carries no content")
)

// IsValidEventType checks if the given event type is supported.
func IsValidEventType(et EventType) bool {
	switch et {
	case EventTypeText, EventTypeVoice, EventTypeImage, EventTypeEvent:
		return true
	default:
		return false
	}
}

// Event is a platform-neutral inbound webhook event.
type Event struct {
	ID           string    // platform delivery id; identical across redeliveries
	Conversation string    // peer user identifier; keys every bridge store
	Account      string    // receiving account identifier; becomes the reply sender
	Type         EventType
	Content      string // text body for text events
	PicURL       string // download URL for image events
	MediaID      string // platform media handle for voice/image events
	Recognition  string // platform transcription for voice events, may be empty
	EventName    string // subscribe/unsubscribe/... for event-type events
	ReceivedAt   time.Time
}

// Validate checks the event for the fields the bridge relies on.
func (e *Event) Validate() error {
	if e.Conversation == "" {
		return ErrEmptyConversation
	}
	if !IsValidEventType(e.Type) {
		return ErrInvalidEventType
	}
	// Message events are redelivered under the same id; without one the
	// deduplication ledger cannot count retries.
	if e.Type != EventTypeEvent && e.ID == "" {
		return ErrMissingEventID
	}
	return nil
}

// Cacheable reports whether the event participates in the reply cache and
// bounded wait loop.
func (e *Event) Cacheable() bool {
	switch e.Type {
	case EventTypeText, EventTypeVoice, EventTypeImage:
		return true
	default:
		return false
	}
}

// FragmentKind tags the variants of a reply fragment.
type FragmentKind string

const (
	// FragmentText carries a UTF-8 text body.
	FragmentText FragmentKind = "text"
	// FragmentVoice carries an uploaded audio media handle.
	FragmentVoice FragmentKind = "voice"
	// FragmentImage carries an uploaded media handle or a local file awaiting upload.
	FragmentImage FragmentKind = "image"
)

// ReplyFragment is one cached unit of worker output. Exactly the fields of its
// kind are set; Validate enforces the shape.
type ReplyFragment struct {
	Kind      FragmentKind
	Text      string // FragmentText body
	MediaID   string // FragmentVoice/FragmentImage platform handle
	LocalPath string // FragmentImage file not yet uploaded
	Hint      string // optional companion text delivered after a successful image upload
}

// TextFragment builds a text reply fragment.
func TextFragment(body string) ReplyFragment {
	return ReplyFragment{Kind: FragmentText, Text: body}
}

// VoiceFragment builds a voice reply fragment from an uploaded media handle.
func VoiceFragment(mediaID string) ReplyFragment {
	return ReplyFragment{Kind: FragmentVoice, MediaID: mediaID}
}

// ImageFragment builds an image reply fragment from an uploaded media handle.
func ImageFragment(mediaID string) ReplyFragment {
	return ReplyFragment{Kind: FragmentImage, MediaID: mediaID}
}

// LocalImageFragment builds an image reply fragment that is uploaded at
// delivery time. The hint text follows the image if the upload succeeds.
func LocalImageFragment(path, hint string) ReplyFragment {
	return ReplyFragment{Kind: FragmentImage, LocalPath: path, Hint: hint}
}

// Validate checks that the fragment's fields match its kind.
func (f *ReplyFragment) Validate() error {
	switch f.Kind {
	case FragmentText:
		if f.Text == "" {
			return ErrEmptyFragment
		}
		if f.MediaID != "" || f.LocalPath != "" || f.Hint != "" {
			return ErrInvalidFragment
		}
	case FragmentVoice:
		if f.MediaID == "" {
			return ErrEmptyFragment
		}
		if f.Text != "" || f.LocalPath != "" || f.Hint != "" {
			return ErrInvalidFragment
		}
	case FragmentImage:
		if f.MediaID == "" && f.LocalPath == "" {
			return ErrEmptyFragment
		}
		if f.MediaID != "" && f.LocalPath != "" {
			return ErrInvalidFragment
		}
	default:
		return ErrInvalidFragment
	}
	return nil
}

// ActionKind names a pending multi-step session action.
type ActionKind string

const (
	// ActionAwaitImage marks a conversation waiting for a picture upload after
	// an image-analysis trigger keyword.
	ActionAwaitImage ActionKind = "await_image"
)

// PendingAction is the per-conversation state of a multi-step flow.
type PendingAction struct {
	Kind      ActionKind
	Question  string // trigger text that opened the session, forwarded to the analysis API
	CreatedAt time.Time
}

// Expired reports whether the action's await window has closed. The window is
// inclusive: an action exactly timeout old is still valid.
func (a *PendingAction) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.CreatedAt) > timeout
}

// Reply is the platform-neutral outbound passive reply built by the channel
// and rendered by the transport.
type Reply struct {
	Kind      FragmentKind
	To        string // peer user identifier
	From      string // receiving account identifier
	CreatedAt time.Time
	Text      string // FragmentText body
	MediaID   string // FragmentVoice/FragmentImage handle
}

// TextReply builds a text reply addressed back to the event's sender.
func TextReply(e *Event, body string, now time.Time) Reply {
	return Reply{Kind: FragmentText, To: e.Conversation, From: e.Account, CreatedAt: now, Text: body}
}

// MediaReply builds a voice or image reply addressed back to the event's sender.
func MediaReply(e *Event, kind FragmentKind, mediaID string, now time.Time) Reply {
	return Reply{Kind: kind, To: e.Conversation, From: e.Account, CreatedAt: now, MediaID: mediaID}
}

// Turn is one stored conversation exchange half, used as GenAI context.
type Turn struct {
	Role      string // RoleUser or RoleAssistant
	Content   string
	CreatedAt time.Time
}

// Conversation history roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
