package assignment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/postop/recovery/internal/domain/protocol"
	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/auth"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	provider := auth.RequireRole(auth.RoleProvider)

	patient := api.Group("/patients/:patient_id/assignments", auth.RequirePatientAccess("patient_id"))
	patient.GET("", h.History)
	patient.GET("/active", h.Active)
	patient.POST("", h.Assign, provider)
	patient.POST("/reassign", h.Reassign, provider)

	a := api.Group("/assignments", provider)
	a.GET("/:id", h.Get)
	a.POST("/:id/discontinue", h.Discontinue)
	a.POST("/:id/complete", h.Complete)
	a.PUT("/:id/surgery-date", h.ChangeSurgeryDate)
	a.POST("/:id/confirm-surgery", h.ConfirmSurgery)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrAssignmentNotFound), errors.Is(err, protocol.ErrProtocolNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrAssignInProgress),
		errors.Is(err, ErrNotActive), errors.Is(err, ErrSurgeryDateLocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, protocol.ErrProtocolInactive):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrPartialPersistence):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type assignBody struct {
	ProtocolID  string `json:"protocol_id"`
	SurgeryDate string `json:"surgery_date"`
}

func (h *Handler) bindAssign(c echo.Context) (AssignRequest, error) {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return AssignRequest{}, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	var body assignBody
	if err := c.Bind(&body); err != nil {
		return AssignRequest{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	protocolID, err := uuid.Parse(body.ProtocolID)
	if err != nil {
		return AssignRequest{}, echo.NewHTTPError(http.StatusBadRequest, "invalid protocol_id")
	}
	surgery, err := h.coord.Anchor().ParseDate(body.SurgeryDate)
	if err != nil {
		return AssignRequest{}, echo.NewHTTPError(http.StatusBadRequest, "surgery_date must be YYYY-MM-DD")
	}
	return AssignRequest{
		PatientID:   pid,
		ProtocolID:  protocolID,
		SurgeryDate: surgery,
		AssignedBy:  auth.UserIDFromContext(c.Request().Context()),
	}, nil
}

func (h *Handler) Assign(c echo.Context) error {
	req, err := h.bindAssign(c)
	if err != nil {
		return err
	}
	a, err := h.coord.Assign(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Reassign(c echo.Context) error {
	req, err := h.bindAssign(c)
	if err != nil {
		return err
	}
	a, err := h.coord.Reassign(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

type activeResponse struct {
	*Assignment
	Position timeline.Position `json:"position"`
}

// Active returns the active assignment with the patient's position on its
// timeline as of today (or ?today=).
func (h *Handler) Active(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	today, err := h.coord.Anchor().Today(h.coord.Clock(), c.QueryParam("today"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "today must be YYYY-MM-DD")
	}
	a, err := h.coord.Active(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, activeResponse{
		Assignment: a,
		Position:   h.coord.Anchor().PositionAt(a.SurgeryDate, today),
	})
}

func (h *Handler) History(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	items, err := h.coord.History(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Assignment{}
	}
	return c.JSON(http.StatusOK, items)
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Get(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.coord.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Discontinue(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.coord.Discontinue(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.coord.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ChangeSurgeryDate(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		SurgeryDate string `json:"surgery_date"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := h.coord.Anchor().ParseDate(body.SurgeryDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "surgery_date must be YYYY-MM-DD")
	}
	a, err := h.coord.ChangeSurgeryDate(c.Request().Context(), id, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ConfirmSurgery(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.coord.ConfirmSurgery(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}
