// Package imageapi calls the remote picture-analysis service that turns an
// uploaded problem photo into an answer.
//
// The service takes a base64 picture with subject/grade context and answers
// with JSON whose shape varies between deployments, so parsing is tolerant:
// any of success/result/answer signals an answer, error/message a declared
// failure. Pictures are recompressed before upload so the request body stays
// under the service's size limit. FailureText maps every error this package
// produces to the user-visible reply for it.
package imageapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Analysis defaults forwarded with every request.
const (
	DefaultSubject = "数学"
	DefaultGrade   = "初中"
	// DefaultTimeout bounds one analysis call; the service can take most of a
	// minute on a dense problem sheet.
	DefaultTimeout = 60 * time.Second
)

const (
	// maxResponseBody bounds analysis response bodies read into memory.
	maxResponseBody = 1 << 20
	// errCodeIPDenied is the platform errcode the service relays when its own
	// WeChat calls are rejected by the IP allowlist.
	errCodeIPDenied = 40164
)

// ErrNotConfigured is returned by Analyze when no endpoint was configured.
// The trigger-keyword flow can be enabled without an endpoint during setup;
// the failure then surfaces per picture instead of at startup.
var ErrNotConfigured = errors.New("image analysis endpoint not configured")

// APIError is a failing answer from the analysis service: either a declared
// failure in a 200 body (Msg set) or a non-200 status (Status, and ErrCode
// when the error body carried one).
type APIError struct {
	Status  int
	ErrCode int
	Msg     string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("image analysis failed: %s", e.Msg)
	}
	if e.ErrCode != 0 {
		return fmt.Sprintf("image analysis api status %d, errcode %d", e.Status, e.ErrCode)
	}
	return fmt.Sprintf("image analysis api status %d", e.Status)
}

// Opts holds configuration for Client.
type Opts struct {
	endpoint   string
	subject    string
	grade      string
	maxUpload  int
	httpClient *http.Client
}

// Option configures Opts.
type Option func(*Opts)

// WithEndpoint sets the analysis service URL.
func WithEndpoint(url string) Option {
	return func(o *Opts) { o.endpoint = url }
}

// WithSubject sets the subject context sent with every request.
func WithSubject(subject string) Option {
	return func(o *Opts) { o.subject = subject }
}

// WithGrade sets the grade context sent with every request.
func WithGrade(grade string) Option {
	return func(o *Opts) { o.grade = grade }
}

// WithMaxUploadBytes sets the recompression target for uploaded pictures.
func WithMaxUploadBytes(n int) Option {
	return func(o *Opts) { o.maxUpload = n }
}

// WithHTTPClient overrides the HTTP client used for analysis calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.httpClient = c }
}

// Client calls the picture-analysis service. Safe for concurrent use.
type Client struct {
	endpoint   string
	subject    string
	grade      string
	maxUpload  int
	httpClient *http.Client
}

// NewClient creates an analysis client. The endpoint may be left empty;
// Analyze then fails with ErrNotConfigured.
func NewClient(opts ...Option) *Client {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.subject == "" {
		o.subject = DefaultSubject
	}
	if o.grade == "" {
		o.grade = DefaultGrade
	}
	if o.maxUpload <= 0 {
		o.maxUpload = DefaultMaxUploadBytes
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("Creating image analysis client", "configured", o.endpoint != "", "subject", o.subject, "grade", o.grade)
	return &Client{
		endpoint:   o.endpoint,
		subject:    o.subject,
		grade:      o.grade,
		maxUpload:  o.maxUpload,
		httpClient: o.httpClient,
	}
}

// Configured reports whether an analysis endpoint is set.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// Result is a successful analysis answer.
type Result struct {
	// Text is the answer body.
	Text string
	// ImageURL points at a rendered solution picture when the service
	// produced one; empty otherwise.
	ImageURL string
}

type analyzeRequest struct {
	ImageData string `json:"image_data"`
	Question  string `json:"question_content"`
	Subject   string `json:"subject"`
	Grade     string `json:"grade"`
}

// Analyze uploads the picture at imagePath with the optional question context
// and returns the service's answer. Failures come back as ErrNotConfigured,
// *APIError, or a wrapped transport error; FailureText renders any of them for
// the user.
func (c *Client) Analyze(ctx context.Context, imagePath, question string) (Result, error) {
	if c.endpoint == "" {
		return Result{}, ErrNotConfigured
	}

	picture, err := ReadCompressed(imagePath, c.maxUpload)
	if err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(analyzeRequest{
		ImageData: base64.StdEncoding.EncodeToString(picture),
		Question:  question,
		Subject:   c.subject,
		Grade:     c.grade,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Calling image analysis API", "picture", imagePath, "payloadBytes", len(payload))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call image analysis api: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, fmt.Errorf("read analysis response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var probe struct {
			ErrCode int `json:"errcode"`
		}
		if json.Unmarshal(data, &probe) == nil {
			apiErr.ErrCode = probe.ErrCode
		}
		return Result{}, apiErr
	}

	res, err := parseAnalysis(data)
	if err != nil {
		return Result{}, err
	}
	slog.Info("Image analysis completed", "textBytes", len(res.Text), "hasImage", res.ImageURL != "")
	return res, nil
}

// parseAnalysis extracts the answer from a 200 body. Deployments disagree on
// field names; success/result/answer all count as an answer, error/message as
// a declared failure, and a non-object body is the answer itself.
func parseAnalysis(data []byte) (Result, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("decode analysis response: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return Result{Text: fmt.Sprint(raw)}, nil
	}

	if truthy(obj["success"]) || truthy(obj["result"]) {
		res := Result{}
		if url, ok := obj["image_url"].(string); ok {
			res.ImageURL = url
		}
		if v, ok := obj["result"]; ok {
			res.Text = stringify(v)
		} else if v, ok := obj["answer"]; ok {
			res.Text = stringify(v)
		} else {
			res.Text = strings.TrimSpace(string(data))
		}
		return res, nil
	}

	msg := "未知错误"
	if v, ok := obj["error"]; ok {
		msg = stringify(v)
	} else if v, ok := obj["message"]; ok {
		msg = stringify(v)
	}
	if msg == "" {
		msg = "未知错误"
	}
	return Result{}, &APIError{Status: http.StatusOK, Msg: msg}
}

// FailureText renders an Analyze error as the reply the user sees.
func FailureText(err error) string {
	if errors.Is(err, ErrNotConfigured) {
		return "图片处理API未配置，请设置 MPBRIDGE_IMAGE_API_URL"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Msg != "":
			return "图片分析失败: " + apiErr.Msg
		case apiErr.Status == http.StatusRequestEntityTooLarge:
			return "图片处理失败: 请求体过大，请联系管理员增加服务器限制"
		case apiErr.ErrCode == errCodeIPDenied:
			return "图片处理失败: IP 不在微信公众平台白名单中，请联系管理员"
		default:
			return fmt.Sprintf("图片处理失败，服务器返回错误: %d", apiErr.Status)
		}
	}
	return "图片处理出错: " + err.Error()
}

// truthy mirrors the loose truth test the analysis deployments rely on:
// absent, false, zero, and empty values are all "no".
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// stringify renders a decoded JSON value as reply text without quoting plain
// strings.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
