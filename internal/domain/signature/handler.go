package signature

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

// RegisterRoutes mounts the signing endpoints. guard is applied to enrollment
// and signing only, typically a stricter rate limit.
func (h *Handler) RegisterRoutes(api *echo.Group, guard ...echo.MiddlewareFunc) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	readGroup.GET("/signing-credentials/:professionalId", h.GetCredential)
	readGroup.GET("/activities/:activityId/signature", h.GetByActivity)
	readGroup.GET("/professionals/:id/signatures", h.ListByProfessional)

	writeGroup := api.Group("", append([]echo.MiddlewareFunc{auth.RequireRole(auth.RoleNurse)}, guard...)...)
	writeGroup.POST("/signing-credentials", h.Enroll)
	writeGroup.POST("/procedures/:id/activities/:activityId/signature", h.Sign)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return apperr.HTTPError(err)
	}
	return nil
}

func (h *Handler) Enroll(c echo.Context) error {
	var req EnrollRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	actor, err := auth.ResolveProfessional(c.Request().Context(), req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = actor
	status, err := h.svc.Enroll(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) GetCredential(c echo.Context) error {
	id, err := parseID(c, "professionalId")
	if err != nil {
		return err
	}
	status, err := h.svc.GetCredential(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) Sign(c echo.Context) error {
	procID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	actID, err := parseID(c, "activityId")
	if err != nil {
		return err
	}
	var req SignRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	actor, err := auth.ResolveProfessional(c.Request().Context(), req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = actor
	req.ProcedureID = procID
	req.ActivityID = actID
	req.OriginAddress = c.RealIP()

	rec, err := h.svc.Sign(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type verifiedRecord struct {
	*Record
	Valid bool `json:"valid"`
}

func (h *Handler) GetByActivity(c echo.Context) error {
	id, err := parseID(c, "activityId")
	if err != nil {
		return err
	}
	rec, valid, err := h.svc.Verify(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, verifiedRecord{Record: rec, Valid: valid})
}

func (h *Handler) ListByProfessional(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByProfessional(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
