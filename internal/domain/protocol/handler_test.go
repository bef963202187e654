package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/postop/recovery/internal/domain/timeline"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func httpCode(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_CreateProtocol(t *testing.T) {
	h, e := newTestHandler()
	body := `{"name":"Hip","tasks":[{"type":"video","title":"Walker use","content":{"type":"video","url":"https://cdn/x.mp4"},
		"recurrence":{"start_day":1,"stop_day":1}}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.CreateProtocol(c); err != nil { t.Fatalf("unexpected error: %v", err) }
	if rec.Code != http.StatusCreated { t.Errorf("expected 201, got %d", rec.Code) }

	var out Protocol
	json.Unmarshal(rec.Body.Bytes(), &out)
	if v, ok := out.Tasks[0].Content.Payload.(VideoContent); !ok || v.URL != "https://cdn/x.mp4" {
		t.Errorf("unexpected content round trip: %#v", out.Tasks[0].Content.Payload)
	}
}

func TestHandler_CreateProtocol_Invalid(t *testing.T) {
	h, e := newTestHandler()
	body := `{"name":"Hip","tasks":[{"type":"form","title":"F","recurrence":{"start_day":5,"stop_day":1}}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	if code := httpCode(h.CreateProtocol(c)); code != http.StatusBadRequest { t.Errorf("expected 400, got %d", code) }
}

func TestHandler_CreateProtocol_ExplicitWindows(t *testing.T) {
	h, e := newTestHandler()
	for _, c := range []struct {
		window    string
		instances int
	}{
		{`"timeline_start":0,"timeline_end":0`, 1},
		{`"timeline_start":10,"timeline_end":-10`, 0},
	} {
		body := `{"name":"Single",` + c.window + `,"tasks":[{"type":"message","title":"Hello","recurrence":{"start_day":0,"stop_day":0}}]}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		if err := h.CreateProtocol(e.NewContext(req, rec)); err != nil {
			t.Fatalf("%s: unexpected error: %v", c.window, err)
		}
		var out Protocol
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.TimelineStart == DefaultTimelineStart || out.TimelineEnd == DefaultTimelineEnd {
			t.Errorf("%s: window replaced by defaults [%d, %d]", c.window, out.TimelineStart, out.TimelineEnd)
		}
		if n := len(NewResolver(timeline.UTC).Resolve(&out, surgeryDate(t))); n != c.instances {
			t.Errorf("%s: resolved %d instances, want %d", c.window, n, c.instances)
		}
	}
}

func TestHandler_GetProtocol_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id"); c.SetParamValues(uuid.New().String())
	if code := httpCode(h.GetProtocol(c)); code != http.StatusNotFound { t.Errorf("expected 404, got %d", code) }
}

func TestHandler_ResolveProtocol(t *testing.T) {
	h, e := newTestHandler()
	p := ankleProtocol()
	h.svc.CreateProtocol(context.Background(), p)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"surgery_date":"2025-03-01"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id"); c.SetParamValues(p.ID.String())
	if err := h.ResolveProtocol(c); err != nil { t.Fatalf("unexpected error: %v", err) }
	var days []DayGroup
	if err := json.Unmarshal(rec.Body.Bytes(), &days); err != nil { t.Fatal(err) }
	if len(days) != 91 || days[1].Date != "2025-03-02" { t.Errorf("unexpected days: %d, first post-op %+v", len(days), days[1]) }
}

func TestHandler_ResolveProtocol_BadDate(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"surgery_date":"03/01/2025"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id"); c.SetParamValues(uuid.New().String())
	if code := httpCode(h.ResolveProtocol(c)); code != http.StatusBadRequest { t.Errorf("expected 400, got %d", code) }
}

func TestHandler_DeactivateProtocol(t *testing.T) {
	h, e := newTestHandler()
	p := ankleProtocol()
	h.svc.CreateProtocol(context.Background(), p)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id"); c.SetParamValues(p.ID.String())
	if err := h.DeactivateProtocol(c); err != nil { t.Fatalf("unexpected error: %v", err) }
	if rec.Code != http.StatusNoContent || p.IsActive { t.Errorf("expected 204 and inactive protocol") }
}

func TestHandler_ListProtocols(t *testing.T) {
	h, e := newTestHandler()
	h.svc.CreateProtocol(context.Background(), ankleProtocol())
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?active=true", nil), rec)
	if err := h.ListProtocols(c); err != nil { t.Fatalf("unexpected error: %v", err) }
	if rec.Code != http.StatusOK { t.Errorf("expected 200, got %d", rec.Code) }
}
