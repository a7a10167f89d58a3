package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TACC/imageInf/pkg/cache"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
	"github.com/TACC/imageInf/pkg/retry"
)

func TestFileContentURL_EscapesPath(t *testing.T) {
	got, err := FileContentURL("https://designsafe.tapis.io", models.TapisFile{
		SystemID: "designsafe.storage.published",
		Path:     "/PRJ-3379/RApp/Home/Photo 1642618419.jpg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://designsafe.tapis.io/v3/files/content/designsafe.storage.published/PRJ-3379/RApp/Home/Photo%201642618419.jpg"
	if got != want {
		t.Errorf("FileContentURL = %q, want %q", got, want)
	}
}

func TestFetchFileContent_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/files/content/sys/dir/img 1.jpg" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get(TokenHeader) != "tok" {
			t.Errorf("missing token header")
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpegdata"))
	}))
	defer ts.Close()

	c := New(Config{})
	fc, err := c.FetchFileContent(context.Background(),
		models.TokenInfo{Token: "tok", TapisHost: ts.URL, IsValid: true},
		models.TapisFile{SystemID: "sys", Path: "/dir/img 1.jpg"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(fc.Data) != "jpegdata" || fc.ContentType != "image/jpeg" || !fc.IsImage() {
		t.Errorf("unexpected content: %+v", fc)
	}
}

func TestFetchFileContent_DefaultContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte{0x00, 0x01})
	}))
	defer ts.Close()

	c := New(Config{})
	fc, err := c.FetchFileContent(context.Background(),
		models.TokenInfo{Token: "tok", TapisHost: ts.URL},
		models.TapisFile{SystemID: "sys", Path: "/x.bin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.ContentType != DefaultContentType || fc.IsImage() {
		t.Errorf("expected octet-stream fallback, got %q", fc.ContentType)
	}
}

func TestFetchFileContent_RetriesTwice(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := New(Config{ContentRetry: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}})
	_, err := c.FetchFileContent(context.Background(),
		models.TokenInfo{Token: "tok", TapisHost: ts.URL},
		models.TapisFile{SystemID: "sys", Path: "/a.jpg"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", got)
	}
}

func TestFetchFileContent_NotFoundNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := New(Config{ContentRetry: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}})
	if _, err := c.FetchFileContent(context.Background(),
		models.TokenInfo{Token: "tok", TapisHost: ts.URL},
		models.TapisFile{SystemID: "sys", Path: "/missing.jpg"}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestFetchFileContent_CachedPerFile(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(r.URL.Path))
	}))
	defer ts.Close()

	cc, err := cache.New(t.TempDir(), 1<<20, 5*time.Minute)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	c := New(Config{ContentCache: cc})
	info := models.TokenInfo{Token: "tok", TapisHost: ts.URL}
	a := models.TapisFile{SystemID: "sys", Path: "/a.png"}
	b := models.TapisFile{SystemID: "sys", Path: "/b.png"}

	first, _ := c.FetchFileContent(context.Background(), info, a)
	second, _ := c.FetchFileContent(context.Background(), info, a)
	third, _ := c.FetchFileContent(context.Background(), info, b)

	if first.Cached || !second.Cached || third.Cached {
		t.Errorf("unexpected cache flags: %v %v %v", first.Cached, second.Cached, third.Cached)
	}
	if string(second.Data) != string(first.Data) || second.ContentType != "image/png" {
		t.Errorf("cached content mismatch: %q vs %q", second.Data, first.Data)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 upstream requests, got %d", got)
	}
}

func TestFetchFileContent_CacheScopedToTokenAndHost(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get(TokenHeader) != "alice-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("alice-private-bytes"))
	}))
	defer ts.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("other-tenant-bytes"))
	}))
	defer other.Close()

	cc, err := cache.New(t.TempDir(), 1<<20, 5*time.Minute)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	c := New(Config{ContentCache: cc})
	ctx := context.Background()
	secret := models.TapisFile{SystemID: "alice.private", Path: "/secret.jpg"}

	fc, err := c.FetchFileContent(ctx, models.TokenInfo{Token: "alice-token", TapisHost: ts.URL}, secret)
	if err != nil || string(fc.Data) != "alice-private-bytes" {
		t.Fatalf("alice fetch: %v %q", err, fc)
	}

	fc, err = c.FetchFileContent(ctx, models.TokenInfo{Token: "mallory-token", TapisHost: ts.URL}, secret)
	if err == nil {
		t.Errorf("expected rejection for another token, got %q (cached=%v)", fc.Data, fc.Cached)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected the second token to reach upstream, got %d requests", got)
	}

	fc, err = c.FetchFileContent(ctx, models.TokenInfo{Token: "alice-token", TapisHost: other.URL}, secret)
	if err != nil {
		t.Fatalf("other host fetch: %v", err)
	}
	if fc.Cached || string(fc.Data) != "other-tenant-bytes" {
		t.Errorf("expected content from the other host, got %q (cached=%v)", fc.Data, fc.Cached)
	}
}

func TestUserInfo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/oauth2/userinfo" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get(TokenHeader) == "good" {
			w.Write([]byte(`{"result":{"username":"alice"}}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := New(Config{})
	if err := c.UserInfo(context.Background(), ts.URL, "good"); err != nil {
		t.Errorf("expected valid token, got %v", err)
	}
	err := c.UserInfo(context.Background(), ts.URL, "bad")
	if ae, ok := AsAPIError(err); !ok || ae.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestFetchBridgeToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/tapis/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		ck, err := r.Cookie("sessionid")
		if err != nil || ck.Value != "portal-session" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(protocol.BridgeTokenResponse{Token: "bridge-token"})
	}))
	defer ts.Close()

	c := New(Config{})
	tok, err := c.FetchBridgeToken(context.Background(), ts.URL, []*http.Cookie{{Name: "sessionid", Value: "portal-session"}})
	if err != nil || tok != "bridge-token" {
		t.Errorf("FetchBridgeToken = %q, %v", tok, err)
	}

	if _, err := c.FetchBridgeToken(context.Background(), ts.URL, nil); err == nil {
		t.Error("expected error without portal cookie")
	}
}
