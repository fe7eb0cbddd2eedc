package assessment

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/auth"
	"github.com/ehr/quickcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – nurse, physician
	readGroup := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	readGroup.GET("/assessments/scales", h.Scales)
	readGroup.GET("/assessments/high-risk", h.HighRisk)
	readGroup.GET("/patients/:id/assessments", h.History)
	readGroup.GET("/patients/:id/assessments/summary", h.Summary)

	// Write endpoints – nurse
	writeGroup := api.Group("", auth.RequireRole(auth.RoleNurse))
	writeGroup.POST("/patients/:id/assessments", h.Record)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Record(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req RecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.PatientID = pid
	if err := c.Validate(&req); err != nil {
		return apperr.HTTPError(err)
	}
	prof, err := auth.ResolveProfessional(c.Request().Context(), req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = prof
	a, err := h.svc.Record(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) History(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), pid, Scale(c.QueryParam("scale")), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Summary(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	summary, err := h.svc.Summary(c.Request().Context(), pid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) HighRisk(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.HighRisk(c.Request().Context(), Scale(c.QueryParam("scale")), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Scales(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Definitions())
}
