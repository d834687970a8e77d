package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { Success(c, http.StatusOK, nil) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"missing", "", false},
		{"kept", "client-abc-123", true},
		{"too long", strings.Repeat("x", 65), false},
		{"control chars", "bad\nid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if tt.keep && got != tt.header {
				t.Errorf("X-Request-ID = %q, want %q", got, tt.header)
			}
			if !tt.keep && (got == "" || got == tt.header) {
				t.Errorf("X-Request-ID = %q, want a generated id", got)
			}

			var body Response
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Metadata.RequestID != got {
				t.Errorf("metadata request_id = %q, header %q", body.Metadata.RequestID, got)
			}
		})
	}
}

func TestFailWithData(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		FailWithData(c, http.StatusServiceUnavailable, ErrServiceUnavailable, gin.H{"status": "degraded"})
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data  map[string]string `json:"data"`
		Error *ErrorBody        `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data["status"] != "degraded" || body.Error == nil || body.Error.Code != ErrServiceUnavailable {
		t.Errorf("body = %s", w.Body.String())
	}
}
