package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10mb", 10 << 20},
		{"512K", 512 << 10},
		{"2G", 2 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"lots", 1 << 20},
		{"-5K", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func readAll(c echo.Context) error {
	if _, err := io.ReadAll(c.Request().Body); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func limitedRequest(method, path string, size int, knownLength bool) echo.Context {
	req := httptest.NewRequest(method, path, bytes.NewReader(bytes.Repeat([]byte("a"), size)))
	if !knownLength {
		req.ContentLength = -1
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func expectCode(t *testing.T, err error, code int) {
	t.Helper()
	if code == 0 {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != code {
		t.Fatalf("expected %d, got %v", code, err)
	}
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit("512", "4K")(readAll)
	tests := []struct {
		name   string
		method string
		path   string
		size   int
		known  bool
		want   int
	}{
		{"small task completion", http.MethodPost, "/api/v1/tasks/x/complete", 100, true, 0},
		{"oversized by header", http.MethodPost, "/api/v1/tasks/x/complete", 600, true, http.StatusRequestEntityTooLarge},
		{"oversized while reading", http.MethodPost, "/api/v1/tasks/x/complete", 600, false, http.StatusRequestEntityTooLarge},
		{"large protocol create", http.MethodPost, "/api/v1/protocols", 3000, true, 0},
		{"large protocol update", http.MethodPut, "/api/v1/protocols/abc", 3000, false, 0},
		{"protocol over its limit", http.MethodPost, "/api/v1/protocols", 5000, true, http.StatusRequestEntityTooLarge},
		{"resolve uses default", http.MethodPost, "/api/v1/protocols/abc/resolve", 3000, true, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCode(t, h(limitedRequest(tt.method, tt.path, tt.size, tt.known)), tt.want)
		})
	}
}

func TestBodyLimit_SkipsEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/protocols", nil)
	called := false
	err := BodyLimit("1", "1")(func(c echo.Context) error {
		called = true
		return nil
	})(echo.New().NewContext(req, httptest.NewRecorder()))
	if err != nil || !called {
		t.Fatalf("expected handler to run, err=%v", err)
	}
}

func TestBodyLimit_MessageNamesLimit(t *testing.T) {
	err := BodyLimit("10", "10")(readAll)(limitedRequest(http.MethodPost, "/x", 20, false))
	he, ok := err.(*echo.HTTPError)
	if !ok || !strings.Contains(he.Message.(string), "10 bytes") {
		t.Errorf("unexpected error %v", err)
	}
}
