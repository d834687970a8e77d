package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/response"
	"github.com/stemsi/testsync/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	if body.Error == nil {
		return ""
	}
	return body.Error.Code
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst not honored")
	}
	if rl.Allow("a") {
		t.Error("third request allowed")
	}
	if !rl.Allow("b") {
		t.Error("keys share a bucket")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil)); w.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", w.Code)
	}
	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests || errorCode(t, w) != response.ErrRateLimitExceeded {
		t.Errorf("second = %d %s", w.Code, w.Body.String())
	}
}

func TestRequireJWT(t *testing.T) {
	auth := service.NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})
	expired := service.NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: -time.Minute})

	r := gin.New()
	r.GET("/me", RequireJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).UserID())
	})
	r.GET("/ws", RequireWSAuth(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).UserID())
	})

	good, _ := auth.IssueToken("u1", "", 0)
	stale, _ := expired.IssueToken("u1", "", 0)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	if w := serve(r, req); w.Code != http.StatusOK || w.Body.String() != "u1" {
		t.Errorf("valid token = %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	if w := serve(r, req); w.Code != http.StatusUnauthorized || errorCode(t, w) != response.ErrTokenInvalid {
		t.Errorf("missing header = %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+stale)
	if w := serve(r, req); errorCode(t, w) != response.ErrTokenExpired {
		t.Errorf("expired = %s", w.Body.String())
	}

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/ws?token="+good, nil)); w.Code != http.StatusOK {
		t.Errorf("ws token = %d", w.Code)
	}
	if w := serve(r, httptest.NewRequest(http.MethodGet, "/ws", nil)); errorCode(t, w) != response.ErrTokenRequired {
		t.Errorf("ws without token = %s", w.Body.String())
	}
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.Use(NoStore())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	if got := serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestBrotli(t *testing.T) {
	big := strings.Repeat("session snapshot ", 200)
	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{Quality: 5, Skipper: SkipPaths("/stream")}))
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, big) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/stream", func(c *gin.Context) { c.String(http.StatusOK, big) })

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		return serve(r, req)
	}

	w := get("/big")
	if w.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("big response not compressed: %v", w.Header())
	}
	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	if err != nil || string(plain) != big {
		t.Errorf("decompressed %d bytes, err %v", len(plain), err)
	}

	if w := get("/small"); w.Header().Get("Content-Encoding") != "" || w.Body.String() != "ok" {
		t.Errorf("small response = %v %q", w.Header(), w.Body.String())
	}
	if w := get("/stream"); w.Header().Get("Content-Encoding") != "" {
		t.Error("skipped path was compressed")
	}
}

func TestAcceptsBrotli(t *testing.T) {
	tests := map[string]bool{
		"":                    false,
		"gzip":                false,
		"br":                  true,
		"gzip, BR":            true,
		"br;q=0.5, gzip":      true,
		"br;q=0":              false,
		"gzip;q=1, br; q=0.0": false,
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", header)
		if got := acceptsBrotli(req); got != want {
			t.Errorf("acceptsBrotli(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestBrotliReusesEncoders(t *testing.T) {
	big := strings.Repeat("answer key ", 300)
	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{Quality: 4}))
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, big) })
	r.GET("/empty", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/big", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := serve(r, req)
		plain, err := io.ReadAll(brotli.NewReader(w.Body))
		if err != nil || string(plain) != big {
			t.Fatalf("request %d: decompressed %d bytes, err %v", i, len(plain), err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/empty", nil)
	req.Header.Set("Accept-Encoding", "br")
	if w := serve(r, req); w.Code != http.StatusNoContent || w.Header().Get("Content-Encoding") != "" {
		t.Errorf("204 = %d %v", w.Code, w.Header())
	}
}
