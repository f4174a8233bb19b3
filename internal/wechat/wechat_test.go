package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(
		WithAppID("wx-app"),
		WithAppSecret("shh"),
		WithAPIBase(srv.URL),
		WithTempDir(t.TempDir()),
	)
	return c, srv
}

func TestAccessTokenCached(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi-bin/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("appid"); got != "wx-app" {
			t.Errorf("appid = %q", got)
		}
		calls++
		fmt.Fprint(w, `{"access_token":"tok-1","expires_in":7200}`)
	}))

	for i := 0; i < 3; i++ {
		tok, err := c.AccessToken(context.Background())
		if err != nil {
			t.Fatalf("AccessToken: %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("token = %q", tok)
		}
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls)
	}
}

func TestAccessTokenAPIError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errcode":40013,"errmsg":"invalid appid"}`)
	}))
	_, err := c.AccessToken(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Code != 40013 {
		t.Errorf("code = %d", apiErr.Code)
	}
}

func TestAccessTokenUnconfigured(t *testing.T) {
	c := NewClient()
	if _, err := c.AccessToken(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

func TestUploadMedia(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/token":
			fmt.Fprint(w, `{"access_token":"tok-1","expires_in":7200}`)
		case "/cgi-bin/media/upload":
			if got := r.URL.Query().Get("type"); got != MediaTypeImage {
				t.Errorf("upload type = %q", got)
			}
			if got := r.URL.Query().Get("access_token"); got != "tok-1" {
				t.Errorf("access_token = %q", got)
			}
			f, _, err := r.FormFile("media")
			if err != nil {
				t.Errorf("FormFile: %v", err)
				fmt.Fprint(w, `{"errcode":41005,"errmsg":"media data missing"}`)
				return
			}
			data, _ := io.ReadAll(f)
			if string(data) != "fake-jpeg-bytes" {
				t.Errorf("uploaded body = %q", data)
			}
			fmt.Fprint(w, `{"media_id":"MEDIA-1","type":"image","created_at":1700000300}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	path := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(path, []byte("fake-jpeg-bytes"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	id, err := c.UploadMedia(context.Background(), MediaTypeImage, path)
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if id != "MEDIA-1" {
		t.Errorf("media id = %q", id)
	}
}

func TestDeleteMedia(t *testing.T) {
	deleted := ""
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/token":
			fmt.Fprint(w, `{"access_token":"tok-1","expires_in":7200}`)
		case "/cgi-bin/material/del_material":
			var req struct {
				MediaID string `json:"media_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode delete body: %v", err)
			}
			deleted = req.MediaID
			fmt.Fprint(w, `{"errcode":0,"errmsg":"ok"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	if err := c.DeleteMedia(context.Background(), "MEDIA-9"); err != nil {
		t.Fatalf("DeleteMedia: %v", err)
	}
	if deleted != "MEDIA-9" {
		t.Errorf("deleted media id = %q", deleted)
	}
}

func TestDownloadImage(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pic" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("picture-bytes"))
	}))

	path, err := c.DownloadImage(context.Background(), srv.URL+"/pic")
	if err != nil {
		t.Fatalf("DownloadImage: %v", err)
	}
	defer os.Remove(path)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "picture-bytes" {
		t.Errorf("downloaded body = %q", data)
	}
}

func TestDownloadImageBadStatus(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	if _, err := c.DownloadImage(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("404 download accepted")
	}
}
