package protocol

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/postop/recovery/internal/platform/auth"
	"github.com/postop/recovery/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleProvider))
	read.GET("/protocols", h.ListProtocols)
	read.GET("/protocols/:id", h.GetProtocol)
	read.POST("/protocols/:id/resolve", h.ResolveProtocol)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/protocols", h.CreateProtocol)
	write.PUT("/protocols/:id", h.UpdateProtocol)
	write.DELETE("/protocols/:id", h.DeactivateProtocol)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrProtocolNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrProtocolInactive):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidRecurrenceRule):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) CreateProtocol(c echo.Context) error {
	var p Protocol
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateProtocol(c.Request().Context(), &p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProtocol(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetProtocol(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProtocols(c echo.Context) error {
	if st := c.QueryParam("surgery_type"); st != "" {
		items, err := h.svc.ListForSurgeryType(c.Request().Context(), st)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), len(items), 0))
	}
	pg := pagination.FromContext(c)
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))
	items, total, err := h.svc.ListProtocols(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL))
}

func (h *Handler) UpdateProtocol(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p Protocol
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdateProtocol(c.Request().Context(), &p); err != nil {
		if errors.Is(err, ErrProtocolNotFound) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeactivateProtocol(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.SetActive(c.Request().Context(), id, false); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type resolveRequest struct {
	SurgeryDate string `json:"surgery_date"`
}

// ResolveProtocol previews the schedule a protocol would produce for a
// surgery date, grouped by recovery day. Nothing is persisted.
func (h *Handler) ResolveProtocol(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	surgery, err := h.svc.Resolver().Anchor().ParseDate(req.SurgeryDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "surgery_date must be YYYY-MM-DD")
	}
	days, err := h.svc.Preview(c.Request().Context(), id, surgery)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, days)
}
