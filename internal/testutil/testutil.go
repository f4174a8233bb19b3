// Package testutil provides common test utilities and helpers for MPBridge tests.
package testutil

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/MPBridge/internal/wechat"
)

// TextEventXML renders an inbound text message callback body.
func TextEventXML(from, to string, msgID int64, content string) []byte {
	return []byte(fmt.Sprintf(`<xml>
<ToUserName><![CDATA[%s]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[%s]]></Content>
<MsgId>%d</MsgId>
</xml>`, to, from, content, msgID))
}

// ImageEventXML renders an inbound picture callback body.
func ImageEventXML(from, to string, msgID int64, picURL string) []byte {
	return []byte(fmt.Sprintf(`<xml>
<ToUserName><![CDATA[%s]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[image]]></MsgType>
<PicUrl><![CDATA[%s]]></PicUrl>
<MediaId><![CDATA[media-%d]]></MediaId>
<MsgId>%d</MsgId>
</xml>`, to, from, picURL, msgID, msgID))
}

// VoiceEventXML renders an inbound voice callback body with the platform's
// speech recognition result.
func VoiceEventXML(from, to string, msgID int64, recognition string) []byte {
	return []byte(fmt.Sprintf(`<xml>
<ToUserName><![CDATA[%s]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[voice]]></MsgType>
<MediaId><![CDATA[voice-media-%d]]></MediaId>
<Format><![CDATA[amr]]></Format>
<Recognition><![CDATA[%s]]></Recognition>
<MsgId>%d</MsgId>
</xml>`, to, from, msgID, recognition, msgID))
}

// NotificationEventXML renders a platform event notification such as
// subscribe.
func NotificationEventXML(from, to, event string) []byte {
	return []byte(fmt.Sprintf(`<xml>
<ToUserName><![CDATA[%s]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[event]]></MsgType>
<Event><![CDATA[%s]]></Event>
</xml>`, to, from, event))
}

// PostCallback delivers a callback body to the handler the way the platform
// would and returns the recorded response.
func PostCallback(t *testing.T, handler http.Handler, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// ParseReply decodes a passive-reply response body into the envelope form.
func ParseReply(t *testing.T, body []byte) *wechat.Envelope {
	t.Helper()
	env, err := wechat.ParseEnvelope(body)
	if err != nil {
		t.Fatalf("failed to parse reply XML: %v\nbody: %s", err, body)
	}
	return env
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertTextReply parses the response as a passive text reply and checks its
// content and addressing.
func AssertTextReply(t *testing.T, rr *httptest.ResponseRecorder, to, content, context string) {
	t.Helper()
	AssertHTTPStatus(t, http.StatusOK, rr.Code, context)
	env := ParseReply(t, rr.Body.Bytes())
	if env.MsgType != "text" {
		t.Errorf("%s: expected text reply, got %q", context, env.MsgType)
	}
	if env.ToUserName != to {
		t.Errorf("%s: reply addressed to %q, want %q", context, env.ToUserName, to)
	}
	if env.Content != content {
		t.Errorf("%s: reply content %q, want %q", context, env.Content, content)
	}
}

// mediaReplyXML mirrors the nested media reference of voice and image
// passive replies.
type mediaReplyXML struct {
	MsgType string `xml:"MsgType"`
	Image   struct {
		MediaID string `xml:"MediaId"`
	} `xml:"Image"`
	Voice struct {
		MediaID string `xml:"MediaId"`
	} `xml:"Voice"`
}

// AssertMediaReply parses the response as a passive voice or image reply and
// checks its kind and media id.
func AssertMediaReply(t *testing.T, rr *httptest.ResponseRecorder, kind, mediaID, context string) {
	t.Helper()
	AssertHTTPStatus(t, http.StatusOK, rr.Code, context)
	var reply mediaReplyXML
	if err := xml.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("%s: failed to parse media reply XML: %v\nbody: %s", context, err, rr.Body.Bytes())
	}
	if reply.MsgType != kind {
		t.Errorf("%s: expected %q reply, got %q", context, kind, reply.MsgType)
	}
	got := reply.Image.MediaID
	if kind == "voice" {
		got = reply.Voice.MediaID
	}
	if got != mediaID {
		t.Errorf("%s: media id %q, want %q", context, got, mediaID)
	}
}

// AssertAck checks that the response is the plain acknowledgement body.
func AssertAck(t *testing.T, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	AssertHTTPStatus(t, http.StatusOK, rr.Code, context)
	if got := rr.Body.String(); got != "success" {
		t.Errorf("%s: expected plain acknowledgement, got %q", context, got)
	}
}
