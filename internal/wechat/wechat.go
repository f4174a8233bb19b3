// Package wechat implements the thin WeChat Official Account transport used
// by the webhook channel.
//
// It covers the callback signature check, the compatibility/safe mode AES
// envelope codec, passive-reply XML rendering, and the small authenticated
// HTTP API for access tokens and media. The interesting behavior of the
// service lives elsewhere; everything here is a pass-through to the platform.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAPIBase is the production WeChat API endpoint.
const DefaultAPIBase = "https://api.weixin.qq.com"

// Media types accepted by the upload endpoint.
const (
	MediaTypeImage = "image"
	MediaTypeVoice = "voice"
)

const (
	// tokenRefreshSkew renews the cached access token this long before the
	// platform expires it.
	tokenRefreshSkew = 60 * time.Second
	// maxJSONBody bounds API response bodies read into memory.
	maxJSONBody = 1 << 20
	// maxDownloadBody bounds picture downloads.
	maxDownloadBody = 20 << 20
)

// ErrNotConfigured is returned by API operations when the client was built
// without app credentials. Text-only deployments never hit the API, so
// missing credentials are not a constructor error.
var ErrNotConfigured = errors.New("wechat app credentials not configured")

// APIError is a non-zero errcode answer from the platform API.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat api error %d: %s", e.Code, e.Msg)
}

// Opts holds configuration for Client.
type Opts struct {
	appID      string
	appSecret  string
	apiBase    string
	httpClient *http.Client
	tempDir    string
}

// Option configures Opts.
type Option func(*Opts)

// WithAppID sets the official account app id.
func WithAppID(id string) Option {
	return func(o *Opts) { o.appID = id }
}

// WithAppSecret sets the official account app secret.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.appSecret = secret }
}

// WithAPIBase overrides the platform API endpoint, mainly for tests.
func WithAPIBase(base string) Option {
	return func(o *Opts) { o.apiBase = base }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.httpClient = c }
}

// WithTempDir sets the directory downloaded media is written to.
func WithTempDir(dir string) Option {
	return func(o *Opts) { o.tempDir = dir }
}

// Client talks to the WeChat platform API. It caches the access token and
// refreshes it ahead of expiry; all methods are safe for concurrent use.
type Client struct {
	appID      string
	appSecret  string
	apiBase    string
	httpClient *http.Client
	tempDir    string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a platform API client. Credentials may be left empty for
// deployments that never upload media; API calls then fail with
// ErrNotConfigured.
func NewClient(opts ...Option) *Client {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiBase == "" {
		o.apiBase = DefaultAPIBase
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.tempDir == "" {
		o.tempDir = os.TempDir()
	}
	slog.Debug("Creating wechat client", "apiBase", o.apiBase, "hasCredentials", o.appID != "" && o.appSecret != "")
	return &Client{
		appID:      o.appID,
		appSecret:  o.appSecret,
		apiBase:    o.apiBase,
		httpClient: o.httpClient,
		tempDir:    o.tempDir,
	}
}

// AppID returns the configured app id; the crypto layer validates it inside
// decrypted envelopes.
func (c *Client) AppID() string {
	return c.appID
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// AccessToken returns a valid access token, fetching a fresh one when the
// cached token is missing or close to expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if c.appID == "" || c.appSecret == "" {
		return "", ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshSkew)) {
		return c.token, nil
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		c.apiBase, url.QueryEscape(c.appID), url.QueryEscape(c.appSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	var tr tokenResponse
	if err := c.doJSON(req, &tr); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if tr.ErrCode != 0 {
		return "", fmt.Errorf("fetch access token: %w", &APIError{Code: tr.ErrCode, Msg: tr.ErrMsg})
	}
	if tr.AccessToken == "" {
		return "", errors.New("fetch access token: empty token in response")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	slog.Debug("WeChat access token refreshed", "expiresIn", tr.ExpiresIn)
	return c.token, nil
}

type uploadResponse struct {
	MediaID string `json:"media_id"`
	Type    string `json:"type"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// UploadMedia uploads the file at path as temporary media of the given type
// and returns the platform media id.
func (c *Client) UploadMedia(ctx context.Context, mediaType, path string) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("media", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	endpoint := fmt.Sprintf("%s/cgi-bin/media/upload?access_token=%s&type=%s",
		c.apiBase, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var ur uploadResponse
	if err := c.doJSON(req, &ur); err != nil {
		return "", fmt.Errorf("upload %s media: %w", mediaType, err)
	}
	if ur.ErrCode != 0 {
		return "", fmt.Errorf("upload %s media: %w", mediaType, &APIError{Code: ur.ErrCode, Msg: ur.ErrMsg})
	}
	if ur.MediaID == "" {
		return "", fmt.Errorf("upload %s media: empty media_id in response", mediaType)
	}
	slog.Debug("WeChat media uploaded", "type", mediaType, "mediaID", ur.MediaID)
	return ur.MediaID, nil
}

type deleteRequest struct {
	MediaID string `json:"media_id"`
}

type deleteResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// DeleteMedia removes uploaded media from the platform so delivered replies
// do not pile up against the account's storage quota.
func (c *Client) DeleteMedia(ctx context.Context, mediaID string) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(deleteRequest{MediaID: mediaID})
	if err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/cgi-bin/material/del_material?access_token=%s",
		c.apiBase, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var dr deleteResponse
	if err := c.doJSON(req, &dr); err != nil {
		return fmt.Errorf("delete media %s: %w", mediaID, err)
	}
	if dr.ErrCode != 0 {
		return fmt.Errorf("delete media %s: %w", mediaID, &APIError{Code: dr.ErrCode, Msg: dr.ErrMsg})
	}
	slog.Debug("WeChat media deleted", "mediaID", mediaID)
	return nil
}

// DownloadImage fetches an inbound picture by its platform URL into the temp
// directory and returns the local path. The caller owns the file and removes
// it when done.
func (c *Client) DownloadImage(ctx context.Context, picURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, picURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download picture: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download picture: unexpected status %d", resp.StatusCode)
	}

	path := filepath.Join(c.tempDir, "picture-"+uuid.NewString()+".jpg")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create picture file: %w", err)
	}
	_, err = io.Copy(f, io.LimitReader(resp.Body, maxDownloadBody))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write picture file: %w", err)
	}
	slog.Debug("WeChat picture downloaded", "path", path)
	return path, nil
}

// doJSON executes the request and decodes a JSON body into out.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
