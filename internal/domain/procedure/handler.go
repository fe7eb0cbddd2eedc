package procedure

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/auth"
	"github.com/ehr/quickcare/pkg/pagination"
)

type Handler struct {
	svc   *Service
	sched *Scheduler
}

func NewHandler(svc *Service, sched *Scheduler) *Handler {
	return &Handler{svc: svc, sched: sched}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – nurse, physician
	readGroup := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	readGroup.GET("/procedures", h.List)
	readGroup.GET("/procedures/awaiting", h.ListAwaiting)
	readGroup.GET("/procedures/overdue", h.ListOverdue)
	readGroup.GET("/procedures/cancellation-reasons", h.CancellationReasons)
	readGroup.GET("/procedures/:id", h.Get)
	readGroup.GET("/procedures/:id/activities/:activityId", h.GetActivity)
	readGroup.GET("/professionals/:id/procedures", h.ListClaimedBy)

	// Write endpoints – nurse
	writeGroup := api.Group("", auth.RequireRole(auth.RoleNurse))
	writeGroup.POST("/procedures", h.Create)
	writeGroup.POST("/procedures/referrals", h.Refer)
	writeGroup.POST("/procedures/:id/claim", h.Claim)
	writeGroup.POST("/procedures/:id/release", h.Release)
	writeGroup.POST("/procedures/:id/activities", h.AddActivity)
	writeGroup.PUT("/procedures/:id/activities/:activityId/situacao", h.Transition)
	writeGroup.PUT("/procedures/:id/activities/:activityId/schedule", h.Reschedule)
	writeGroup.PUT("/procedures/:id/activities/:activityId/checklist", h.UpdateChecklist)
	writeGroup.POST("/procedures/:id/finalize", h.Finalize)
	writeGroup.POST("/procedures/:id/cancel", h.Cancel)
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

func actor(c echo.Context, claimed uuid.UUID) (uuid.UUID, error) {
	return auth.ResolveProfessional(c.Request().Context(), claimed)
}

// actorRequest is the body of endpoints that only need the acting
// professional.
type actorRequest struct {
	ProfessionalID uuid.UUID `json:"professional_id"`
}

type rescheduleRequest struct {
	NewTime time.Time `json:"new_time" validate:"required"`
}

type finalizeRequest struct {
	OutcomeSpec
	ProfessionalID uuid.UUID `json:"professional_id"`
}

// -- Procedure Handlers --

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = id
	p, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Refer(c echo.Context) error {
	var req ReferralRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = id
	p, err := h.svc.Refer(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	if s := c.QueryParam("status"); s != "" {
		f.Status = Status(s)
		if !validStatus(f.Status) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
	}
	if s := c.QueryParam("patient_id"); s != "" {
		pid, err := uuid.Parse(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListAwaiting(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAwaiting(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListOverdue(c echo.Context) error {
	pg := pagination.FromContext(c)
	at := time.Now()
	if s := c.QueryParam("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid at: expected RFC 3339")
		}
		at = t
	}
	items, total, err := h.svc.ListOverdue(c.Request().Context(), at, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListClaimedBy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListClaimedBy(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) CancellationReasons(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.CancellationReasons())
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req actorRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	prof, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	p, err := h.svc.Claim(c.Request().Context(), id, prof)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req actorRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	prof, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	p, err := h.svc.Release(c.Request().Context(), id, prof)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AddActivity(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var spec ActivitySpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	p, err := h.svc.AddActivity(c.Request().Context(), id, spec)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req finalizeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	prof, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	p, err := h.svc.Finalize(c.Request().Context(), id, req.OutcomeSpec, prof)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	prof, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = prof
	p, err := h.svc.Cancel(c.Request().Context(), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Activity Handlers --

func activityIDs(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	procID, err := parseID(c, "id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	actID, err := parseID(c, "activityId")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return procID, actID, nil
}

func (h *Handler) GetActivity(c echo.Context) error {
	procID, actID, err := activityIDs(c)
	if err != nil {
		return err
	}
	a, err := h.sched.GetActivity(c.Request().Context(), procID, actID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Transition(c echo.Context) error {
	procID, actID, err := activityIDs(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	prof, err := actor(c, req.ProfessionalID)
	if err != nil {
		return err
	}
	req.ProfessionalID = prof
	a, err := h.sched.Transition(c.Request().Context(), procID, actID, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Reschedule(c echo.Context) error {
	procID, actID, err := activityIDs(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.sched.Reschedule(c.Request().Context(), procID, actID, req.NewTime)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateChecklist(c echo.Context) error {
	procID, actID, err := activityIDs(c)
	if err != nil {
		return err
	}
	var cl Checklist
	if err := c.Bind(&cl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.sched.UpdateChecklist(c.Request().Context(), procID, actID, cl)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}
