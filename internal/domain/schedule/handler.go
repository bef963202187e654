package schedule

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/postop/recovery/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("/patients/:patient_id", auth.RequirePatientAccess("patient_id"))
	patient.GET("/days/:day/tasks", h.GetTasksForDay)
	patient.GET("/days/:day/status", h.GetDayStatus)
	patient.GET("/calendar", h.Calendar)
	patient.GET("/due", h.DueToday)

	tasks := api.Group("/tasks", auth.RequireRole(auth.RoleProvider, auth.RolePatient))
	tasks.GET("/:id", h.GetTask)
	tasks.POST("/:id/start", h.StartTask)
	tasks.POST("/:id/complete", h.CompleteTask)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTaskBlocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// today reads the clock once per request; ?today= overrides it.
func (h *Handler) today(c echo.Context) (time.Time, error) {
	t, err := h.svc.Engine().Anchor().Today(h.svc.Clock(), c.QueryParam("today"))
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "today must be YYYY-MM-DD")
	}
	return t, nil
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return pid, nil
}

func dayParam(c echo.Context) (int, error) {
	day, err := strconv.Atoi(c.Param("day"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid day")
	}
	return day, nil
}

// loadOwned fetches a task and checks the caller may see its patient.
func (h *Handler) loadOwned(c echo.Context, today time.Time) (TaskView, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return TaskView{}, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	view, err := h.svc.GetTask(c.Request().Context(), id, today)
	if err != nil {
		return TaskView{}, httpError(err)
	}
	if !auth.CanAccessPatient(c.Request().Context(), view.PatientID.String()) {
		return TaskView{}, echo.NewHTTPError(http.StatusForbidden, "access to this patient is not allowed")
	}
	return view, nil
}

func (h *Handler) GetTasksForDay(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	day, err := dayParam(c)
	if err != nil {
		return err
	}
	today, err := h.today(c)
	if err != nil {
		return err
	}
	views, err := h.svc.GetTasksForDay(c.Request().Context(), pid, day, today)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetDayStatus(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	day, err := dayParam(c)
	if err != nil {
		return err
	}
	today, err := h.today(c)
	if err != nil {
		return err
	}
	ds, err := h.svc.GetDayStatus(c.Request().Context(), pid, day, today)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ds)
}

func (h *Handler) Calendar(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	from, to := -45, 200
	if v := c.QueryParam("from"); v != "" {
		if from, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
	}
	if from > to {
		return echo.NewHTTPError(http.StatusBadRequest, "from must not be after to")
	}
	today, err := h.today(c)
	if err != nil {
		return err
	}
	days, err := h.svc.Calendar(c.Request().Context(), pid, from, to, today)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, days)
}

func (h *Handler) DueToday(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	today, err := h.today(c)
	if err != nil {
		return err
	}
	views, err := h.svc.DueToday(c.Request().Context(), pid, today)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetTask(c echo.Context) error {
	today, err := h.today(c)
	if err != nil {
		return err
	}
	view, err := h.loadOwned(c, today)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) StartTask(c echo.Context) error {
	today, err := h.today(c)
	if err != nil {
		return err
	}
	view, err := h.loadOwned(c, today)
	if err != nil {
		return err
	}
	inst, err := h.svc.StartTask(c.Request().Context(), view.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

type completeRequest struct {
	Response json.RawMessage `json:"response"`
}

type completeResponse struct {
	Task     *TaskInstance  `json:"task"`
	Triggers []FiredTrigger `json:"triggers_fired"`
}

func (h *Handler) CompleteTask(c echo.Context) error {
	today, err := h.today(c)
	if err != nil {
		return err
	}
	view, err := h.loadOwned(c, today)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Response) > 0 && string(req.Response) != "null" {
		var obj map[string]interface{}
		if err := json.Unmarshal(req.Response, &obj); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "response must be a JSON object")
		}
	} else {
		req.Response = nil
	}
	inst, fired, err := h.svc.CompleteTask(c.Request().Context(), view.ID, req.Response)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, completeResponse{Task: inst, Triggers: fired})
}
