package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveSecurity(t *testing.T, opt SecurityOptions, pre gin.HandlerFunc, req *http.Request) http.Header {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if pre != nil {
		r.Use(pre)
	}
	r.Use(SecurityHeaders(opt))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if req == nil {
		req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline_And_ExposeHeader(t *testing.T) {
	withRID := func(extra string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Header("X-Request-ID", "rid-123")
			if extra != "" {
				c.Header("Access-Control-Expose-Headers", extra)
			}
			c.Next()
		}
	}

	t.Run("baseline headers and request id exposed", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{}, withRID(""), nil)
		if h.Get("X-Content-Type-Options") != "nosniff" ||
			h.Get("X-Frame-Options") != "DENY" ||
			h.Get("Referrer-Policy") != "no-referrer" {
			t.Fatalf("baseline headers missing: %#v", h)
		}
		if h.Get("Permissions-Policy") != "" || h.Get("Cache-Control") != "" || h.Get("Strict-Transport-Security") != "" {
			t.Fatalf("unexpected optional headers: %#v", h)
		}
		if h.Get("Access-Control-Expose-Headers") != "X-Request-ID" {
			t.Fatalf("expose = %q", h.Get("Access-Control-Expose-Headers"))
		}
	})

	t.Run("append to existing expose header", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{Expose: []string{"ETag"}}, withRID("Foo"), nil)
		if got := h.Get("Access-Control-Expose-Headers"); got != "Foo, X-Request-ID, ETag" {
			t.Fatalf("expose = %q", got)
		}
	})

	t.Run("no duplicates", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{}, withRID("X-Request-ID, Foo"), nil)
		if got := h.Get("Access-Control-Expose-Headers"); got != "X-Request-ID, Foo" {
			t.Fatalf("expose = %q", got)
		}
	})

	t.Run("cors list is merged case-insensitively", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{Expose: []string{"ETag"}}, withRID("X-Request-Id,Etag,Content-Length"), nil)
		if got := h.Get("Access-Control-Expose-Headers"); got != "X-Request-Id, Etag, Content-Length" {
			t.Fatalf("expose = %q", got)
		}
	})

	t.Run("etag exposed without request id", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{Expose: []string{"ETag"}}, nil, nil)
		if got := h.Get("Access-Control-Expose-Headers"); got != "ETag" {
			t.Fatalf("expose = %q", got)
		}
	})
}

func TestSecurityHeaders_CacheControl(t *testing.T) {
	h := serveSecurity(t, SecurityOptions{CacheControl: "no-cache"}, nil, nil)
	if h.Get("Cache-Control") != "no-cache" || h.Get("Pragma") != "" {
		t.Fatalf("revalidate headers: %#v", h)
	}
	h = serveSecurity(t, SecurityOptions{CacheControl: "no-store"}, nil, nil)
	if h.Get("Cache-Control") != "no-store" || h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Fatalf("no-store headers: %#v", h)
	}
}

func TestSecurityHeaders_WithPolicy_HSTS_TLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.TLS = &tls.ConnectionState{}
	h := serveSecurity(t, SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour, EnablePolicy: true}, nil, req)

	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("missing policy headers: %#v", h)
	}
	if want := "max-age=86400; includeSubDomains; preload"; h.Get("Strict-Transport-Security") != want {
		t.Fatalf("expected HSTS %q, got %q", want, h.Get("Strict-Transport-Security"))
	}
}

func TestSecurityHeaders_HSTS_XForwardedProto(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h := serveSecurity(t, SecurityOptions{EnableHSTS: true}, nil, req)
	if got := h.Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=15552000") {
		t.Fatalf("expected default HSTS, got %q", got)
	}

	plain := serveSecurity(t, SecurityOptions{EnableHSTS: true}, nil, nil)
	if plain.Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must not be sent over plain HTTP")
	}
}
