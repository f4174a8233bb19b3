package wechat

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// Envelope is the raw inbound callback XML payload. One struct covers every
// message shape; unused fields stay zero.
type Envelope struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	MsgID        int64    `xml:"MsgId"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	Encrypt      string   `xml:"Encrypt"`
}

// ParseEnvelope decodes an inbound callback body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse inbound xml: %w", err)
	}
	return &env, nil
}

// Encrypted reports whether the envelope carries a safe-mode ciphertext
// instead of a plain message.
func (env *Envelope) Encrypted() bool {
	return env.Encrypt != ""
}

// ToEvent maps the envelope onto the platform-neutral event the bridge works
// with. Message types the bridge does not handle return an error.
func (env *Envelope) ToEvent(receivedAt time.Time) (*models.Event, error) {
	e := &models.Event{
		Conversation: env.FromUserName,
		Account:      env.ToUserName,
		ReceivedAt:   receivedAt,
	}
	switch env.MsgType {
	case "text":
		e.Type = models.EventTypeText
		e.Content = env.Content
	case "voice":
		e.Type = models.EventTypeVoice
		e.MediaID = env.MediaID
		e.Recognition = env.Recognition
	case "image":
		e.Type = models.EventTypeImage
		e.PicURL = env.PicURL
		e.MediaID = env.MediaID
	case "event":
		e.Type = models.EventTypeEvent
		e.EventName = env.Event
	default:
		return nil, fmt.Errorf("unsupported message type %q", env.MsgType)
	}

	if env.MsgID != 0 {
		e.ID = strconv.FormatInt(env.MsgID, 10)
	} else {
		// Event notifications carry no MsgId; the platform documents
		// FromUserName+CreateTime as their dedup identity.
		e.ID = fmt.Sprintf("%s-%d", env.FromUserName, env.CreateTime)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// charData renders a string as a CDATA section, as the platform's reply
// samples do.
type charData struct {
	Value string `xml:",cdata"`
}

type textReplyXML struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   charData `xml:"ToUserName"`
	FromUserName charData `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      charData `xml:"MsgType"`
	Content      charData `xml:"Content"`
}

type mediaRefXML struct {
	MediaID charData `xml:"MediaId"`
}

type imageReplyXML struct {
	XMLName      xml.Name    `xml:"xml"`
	ToUserName   charData    `xml:"ToUserName"`
	FromUserName charData    `xml:"FromUserName"`
	CreateTime   int64       `xml:"CreateTime"`
	MsgType      charData    `xml:"MsgType"`
	Image        mediaRefXML `xml:"Image"`
}

type voiceReplyXML struct {
	XMLName      xml.Name    `xml:"xml"`
	ToUserName   charData    `xml:"ToUserName"`
	FromUserName charData    `xml:"FromUserName"`
	CreateTime   int64       `xml:"CreateTime"`
	MsgType      charData    `xml:"MsgType"`
	Voice        mediaRefXML `xml:"Voice"`
}

// RenderReply serializes a passive reply into the callback response XML.
func RenderReply(r models.Reply) ([]byte, error) {
	ts := r.CreatedAt.Unix()
	switch r.Kind {
	case models.FragmentText:
		return xml.Marshal(textReplyXML{
			ToUserName:   charData{r.To},
			FromUserName: charData{r.From},
			CreateTime:   ts,
			MsgType:      charData{"text"},
			Content:      charData{r.Text},
		})
	case models.FragmentImage:
		return xml.Marshal(imageReplyXML{
			ToUserName:   charData{r.To},
			FromUserName: charData{r.From},
			CreateTime:   ts,
			MsgType:      charData{"image"},
			Image:        mediaRefXML{charData{r.MediaID}},
		})
	case models.FragmentVoice:
		return xml.Marshal(voiceReplyXML{
			ToUserName:   charData{r.To},
			FromUserName: charData{r.From},
			CreateTime:   ts,
			MsgType:      charData{"voice"},
			Voice:        mediaRefXML{charData{r.MediaID}},
		})
	default:
		return nil, fmt.Errorf("unsupported reply kind %q", r.Kind)
	}
}

type encryptedReplyXML struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      charData `xml:"Encrypt"`
	MsgSignature charData `xml:"MsgSignature"`
	TimeStamp    int64    `xml:"TimeStamp"`
	Nonce        charData `xml:"Nonce"`
}

// RenderEncryptedReply encrypts an already-rendered reply body and wraps it
// in the signed envelope the platform expects in safe mode.
func RenderEncryptedReply(cr *Crypto, token string, replyXML []byte, now time.Time, nonce string) ([]byte, error) {
	if cr == nil {
		return nil, ErrCryptoNotConfigured
	}
	encrypted, err := cr.Encrypt(replyXML)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}
	ts := now.Unix()
	sig := Signature(token, strconv.FormatInt(ts, 10), nonce, encrypted)
	return xml.Marshal(encryptedReplyXML{
		Encrypt:      charData{encrypted},
		MsgSignature: charData{sig},
		TimeStamp:    ts,
		Nonce:        charData{nonce},
	})
}
