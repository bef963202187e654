package conversation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/postop/recovery/internal/platform/aiclient"
	"github.com/postop/recovery/internal/platform/auth"
)

func httpCode(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func newRequest(method, target, body string, roles []string, patientID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), "user-1", roles, patientID))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_RecoveryContext(t *testing.T) {
	svc, _ := newService(t, stubActive{a: activeAssignment(t)}, &stubTasks{}, nil, "2025-03-05")
	h := NewHandler(svc)

	c, rec := newRequest(http.MethodGet, "/?today=2025-03-11", "", []string{auth.RoleProvider}, "")
	c.SetParamNames("patient_id")
	c.SetParamValues(testPatient.String())
	if err := h.RecoveryContext(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rc RecoveryContext
	if err := json.Unmarshal(rec.Body.Bytes(), &rc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rc.Position.RecoveryDay != 10 {
		t.Errorf("expected day 10 with ?today override, got %d", rc.Position.RecoveryDay)
	}

	c, _ = newRequest(http.MethodGet, "/?today=03-11", "", []string{auth.RoleProvider}, "")
	c.SetParamNames("patient_id")
	c.SetParamValues(testPatient.String())
	if code := httpCode(h.RecoveryContext(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad today, got %d", code)
	}
}

func TestHandler_RecoveryContext_NotFound(t *testing.T) {
	svc, _ := newService(t, stubActive{}, &stubTasks{}, nil, "2025-03-05")
	h := NewHandler(svc)

	c, _ := newRequest(http.MethodGet, "/", "", []string{auth.RoleProvider}, "")
	c.SetParamNames("patient_id")
	c.SetParamValues(testPatient.String())
	if code := httpCode(h.RecoveryContext(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_ProtocolAIResponse(t *testing.T) {
	ai := &stubAI{resp: &aiclient.Response{Response: "ok", Context: aiclient.Context{RecoveryDay: 1}}}
	svc, _ := newService(t, stubActive{a: activeAssignment(t)}, &stubTasks{}, ai, "2025-03-05")
	h := NewHandler(svc)
	body := `{"message":"can I walk?","patientId":"` + testPatient.String() + `","conversationHistory":[{"role":"user","content":"hi"}]}`

	c, rec := newRequest(http.MethodPost, "/", body, []string{auth.RolePatient}, testPatient.String())
	if err := h.ProtocolAIResponse(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"recoveryDay":4`) {
		t.Errorf("expected computed recovery day in body: %s", rec.Body.String())
	}
	if len(ai.got.ConversationHistory) != 1 {
		t.Errorf("expected history to be forwarded, got %+v", ai.got)
	}
}

func TestHandler_ProtocolAIResponse_Rejects(t *testing.T) {
	svc, _ := newService(t, stubActive{}, &stubTasks{}, &stubAI{err: http.ErrHandlerTimeout}, "2025-03-05")
	h := NewHandler(svc)
	other := "00000000-0000-0000-0000-0000000000ff"

	tests := []struct {
		name string
		body string
		pid  string
		want int
	}{
		{"empty message", `{"message":" ","patientId":"` + testPatient.String() + `"}`, testPatient.String(), http.StatusBadRequest},
		{"bad patient", `{"message":"hi","patientId":"nope"}`, testPatient.String(), http.StatusBadRequest},
		{"other patient", `{"message":"hi","patientId":"` + other + `"}`, testPatient.String(), http.StatusForbidden},
		{"upstream failure", `{"message":"hi","patientId":"` + testPatient.String() + `"}`, testPatient.String(), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newRequest(http.MethodPost, "/", tt.body, []string{auth.RolePatient}, tt.pid)
			if code := httpCode(h.ProtocolAIResponse(c)); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}
