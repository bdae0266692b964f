package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// logLines decodes every JSON line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequestID_GeneratePropagateAndSanitise(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) { c.String(http.StatusOK, RequestIDFrom(c)) })

	get := func(rid string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/rid", nil)
		if rid != "" {
			req.Header.Set(requestIDHeader, rid)
		}
		r.ServeHTTP(w, req)
		return w
	}

	w := get("")
	if gen := w.Header().Get(requestIDHeader); len(gen) != 36 || w.Body.String() != gen {
		t.Fatalf("generated id %q, context %q", gen, w.Body.String())
	}
	if w := get("Z-REQ-123"); w.Header().Get(requestIDHeader) != "Z-REQ-123" || w.Body.String() != "Z-REQ-123" {
		t.Fatalf("propagated id = %q", w.Header().Get(requestIDHeader))
	}
	for _, bad := range []string{"has space", "quote\"d", strings.Repeat("a", 129)} {
		if got := get(bad).Header().Get(requestIDHeader); got == bad || len(got) != 36 {
			t.Fatalf("malformed id %q echoed as %q", bad, got)
		}
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		status int
		errs   bool
		want   zerolog.Level
	}{
		{200, false, zerolog.InfoLevel},
		{304, false, zerolog.InfoLevel},
		{404, false, zerolog.WarnLevel},
		{429, false, zerolog.WarnLevel},
		{400, true, zerolog.ErrorLevel},
		{503, false, zerolog.ErrorLevel},
	}
	for _, tc := range cases {
		if got := levelFor(tc.status, tc.errs); got != tc.want {
			t.Fatalf("levelFor(%d, %v) = %v; want %v", tc.status, tc.errs, got, tc.want)
		}
	}
}

type errSentinel struct{}

func (e errSentinel) Error() string { return "boom" }

func TestLogger_SubmissionFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), ClientID(), Logger())
	r.POST("/v1/operations", func(c *gin.Context) {
		if c.GetHeader(HeaderIdempotencyKey) == "replayed" {
			c.Set(ctxKeyRateBypass, true)
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusCreated)
	})
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	post := func(client, key string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/operations", nil)
		if client != "" {
			req.Header.Set(HeaderClientID, client)
		}
		req.Header.Set(HeaderIdempotencyKey, key)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	post("kiosk-3", "op-1")
	post("", "replayed")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/err", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	lines := logLines(t, buf)
	if len(lines) != 4 {
		t.Fatalf("want 4 access lines, got %d: %s", len(lines), buf.String())
	}
	first, replay, failed, missing := lines[0], lines[1], lines[2], lines[3]

	if first["client_id"] != "kiosk-3" || first["idempotency_key"] != "op-1" || first["replay"] != false ||
		first["status"] != float64(201) || first["path"] != "/v1/operations" || first["level"] != "info" {
		t.Fatalf("first line: %v", first)
	}
	if replay["client_id"] != "anonymous" || replay["replay"] != true {
		t.Fatalf("replay line: %v", replay)
	}
	if failed["level"] != "error" || failed["errors"] == nil {
		t.Fatalf("handler error line: %v", failed)
	}
	if _, ok := failed["idempotency_key"]; ok {
		t.Fatalf("no key header, no key field: %v", failed)
	}
	if missing["level"] != "warn" || missing["path"] != "/missing" {
		t.Fatalf("raw path fallback: %v", missing)
	}
}

func TestLoggerFrom_FallbackAndRequestScoped(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("custom")
		c.Status(http.StatusOK)
	}

	buf := captureLogger(t)
	bare := gin.New()
	bare.Use(RequestID())
	bare.GET("/use", handler)
	bare.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/use", nil))
	if lines := logLines(t, buf); len(lines) != 1 || lines[0]["request_id"] != nil {
		t.Fatalf("fallback logger: %s", buf.String())
	}

	buf = captureLogger(t)
	scoped := gin.New()
	scoped.Use(RequestID(), Logger())
	scoped.GET("/use", handler)
	scoped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/use", nil))
	lines := logLines(t, buf)
	if len(lines) != 2 || lines[0]["message"] != "custom" || lines[0]["request_id"] == nil {
		t.Fatalf("request-scoped logger: %s", buf.String())
	}
}

func TestRecovery_PanicsToJSON500AndLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from Recovery, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != w.Header().Get(requestIDHeader) {
		t.Fatalf("unexpected body: %v", body)
	}
	// The panic line carries the request-scoped fields.
	if !strings.Contains(buf.String(), `"message":"panic recovered"`) || !strings.Contains(buf.String(), `"path":"/panic"`) {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestRecovery_PanicAfterWrite_NoJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())
	r.GET("/panic-after-write", func(c *gin.Context) {
		c.String(http.StatusOK, "partial-body")
		panic("late kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic-after-write", nil))

	if strings.Contains(w.Body.String(), "internal_error") || strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("no JSON envelope once the body is out; got CT=%q body=%q", w.Header().Get("Content-Type"), w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestHelpers_asString_and_truncate(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" || asString(nil) != "" {
		t.Fatalf("asString failed")
	}
	if truncate("hello", 10) != "hello" || truncate("abc", 0) != "abc" {
		t.Fatalf("truncate no-op failed")
	}
	if got := truncate("abcdefgh", 5); got != "abcde…" {
		t.Fatalf("truncate result = %q; want %q", got, "abcde…")
	}
}
