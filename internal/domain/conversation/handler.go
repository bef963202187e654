package conversation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/postop/recovery/internal/platform/aiclient"
	"github.com/postop/recovery/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the conversation routes. chat wraps the AI proxy
// route only.
func (h *Handler) RegisterRoutes(api *echo.Group, chat ...echo.MiddlewareFunc) {
	patient := api.Group("/patients/:patient_id", auth.RequirePatientAccess("patient_id"))
	patient.GET("/recovery-context", h.RecoveryContext)
	patient.GET("/conversations", h.Channels)

	api.POST("/chat/protocol-ai-response", h.ProtocolAIResponse, chat...)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNoActiveProtocol), errors.Is(err, ErrChannelNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, aiclient.ErrNotConfigured):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) RecoveryContext(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	today, err := h.svc.Anchor().Today(h.svc.Clock(), c.QueryParam("today"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "today must be YYYY-MM-DD")
	}
	rc, err := h.svc.RecoveryContext(c.Request().Context(), pid, today)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

func (h *Handler) Channels(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	items, err := h.svc.Channels(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// ProtocolAIResponse proxies a chat message to the AI service on behalf of
// the patient named in the body.
func (h *Handler) ProtocolAIResponse(c echo.Context) error {
	var req aiclient.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	pid, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	ctx := c.Request().Context()
	if !auth.CanAccessPatient(ctx, pid.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "access to this patient is not allowed")
	}

	resp, err := h.svc.Respond(ctx, pid, req)
	if err != nil {
		if errors.Is(err, aiclient.ErrNotConfigured) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
