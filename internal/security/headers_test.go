package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/escrow", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(HeadersMiddleware(false)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrow", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set without TLS")
	}

	w = httptest.NewRecorder()
	newRouter(HeadersMiddleware(true)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrow", nil))
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS header")
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantStatus  int
		wantAllow   string
		credentials bool
	}{
		{"allowed origin", []string{"https://shop.example"}, "https://shop.example", http.MethodGet, http.StatusOK, "https://shop.example", true},
		{"trailing slash in config", []string{"https://shop.example/"}, "https://shop.example", http.MethodGet, http.StatusOK, "https://shop.example", true},
		{"wildcard", []string{"*"}, "https://anything.example", http.MethodGet, http.StatusOK, "https://anything.example", false},
		{"disallowed origin", []string{"https://shop.example"}, "https://evil.example", http.MethodGet, http.StatusOK, "", false},
		{"preflight allowed", []string{"https://shop.example"}, "https://shop.example", http.MethodOptions, http.StatusNoContent, "https://shop.example", true},
		{"preflight refused", []string{"https://shop.example"}, "https://evil.example", http.MethodOptions, http.StatusForbidden, "", false},
		{"same origin request", []string{"https://shop.example"}, "", http.MethodGet, http.StatusOK, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/v1/escrow", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			newRouter(CORSMiddleware(tc.allowed)).ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.wantAllow)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.credentials {
				t.Errorf("credentials = %v, want %v", got, tc.credentials)
			}
		})
	}
}
