package procedure

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/quickcare/internal/platform/apperr"
	"github.com/ehr/quickcare/internal/platform/auth"
	"github.com/ehr/quickcare/internal/platform/validation"
)

func newTestHandler(t *testing.T) (*fixture, *Handler, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Validator = validation.New()
	return f, NewHandler(f.svc, f.sched), e
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_Create(t *testing.T) {
	f, h, e := newTestHandler(t)
	body := `{"patient_id":"` + f.patient.String() + `","professional_id":"` + f.nurseA.String() + `",` +
		`"activities":[{"kind":"PROCEDURE","description":"Dressing","scheduled_times":["2026-03-10T09:00:00Z"]}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var p Procedure
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != StatusAwaiting || len(p.Activities) != 1 {
		t.Errorf("unexpected procedure: %+v", p)
	}
}

func TestHandler_Create_MissingPatient(t *testing.T) {
	f, h, e := newTestHandler(t)
	body := `{"professional_id":"` + f.nurseA.String() + `"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())

	err := h.Create(c)
	if err == nil {
		t.Fatal("expected error for missing patient_id")
	}
	if got := httpStatus(t, err); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestHandler_Create_AuthenticatedMismatch(t *testing.T) {
	f, h, e := newTestHandler(t)
	body := `{"patient_id":"` + f.patient.String() + `","professional_id":"` + f.nurseB.String() + `"}`
	req := jsonRequest(http.MethodPost, body)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.nurseA.String(), []string{auth.RoleNurse}))
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.Create(c)
	if err == nil {
		t.Fatal("expected error for impersonation")
	}
	if got := httpStatus(t, err); got != http.StatusForbidden {
		t.Errorf("expected 403, got %d", got)
	}
}

func TestHandler_ClaimConflict(t *testing.T) {
	f, h, e := newTestHandler(t)
	p := f.create(t, singleSpec(KindProcedure, at(0, 9, 0)))

	claim := func(nurse uuid.UUID) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, `{"professional_id":"`+nurse.String()+`"}`), rec)
		c.SetParamNames("id")
		c.SetParamValues(p.ID.String())
		return rec, h.Claim(c)
	}

	rec, err := claim(f.nurseA)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	_, err = claim(f.nurseB)
	if err == nil {
		t.Fatal("expected second claim to fail")
	}
	if got := httpStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
	body, ok := err.(*echo.HTTPError).Message.(apperr.Body)
	if !ok || body.Error != apperr.KindStateConflict {
		t.Errorf("unexpected error body: %#v", err.(*echo.HTTPError).Message)
	}
}

func TestHandler_Get_InvalidID(t *testing.T) {
	_, h, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.Get(c)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := httpStatus(t, err); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	_, h, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.Get(c)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := httpStatus(t, err); got != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got)
	}
}

func TestHandler_Reschedule(t *testing.T) {
	f, h, e := newTestHandler(t)
	p := f.create(t, recurringSpec())
	actID := p.Activities[0].ID

	do := func(body string) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPut, body), rec)
		c.SetParamNames("id", "activityId")
		c.SetParamValues(p.ID.String(), actID.String())
		return rec, h.Reschedule(c)
	}

	rec, err := do(`{"new_time":"2026-03-10T09:00:00Z"}`)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var a Activity
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(a.ScheduledTimes) != 4 || !a.ScheduledTimes[3].Equal(at(1, 3, 0)) {
		t.Errorf("unexpected slots: %v", a.ScheduledTimes)
	}

	_, err = do(`{"new_time":"2026-03-12T09:00:00Z"}`)
	if err == nil {
		t.Fatal("expected window error")
	}
	if got := httpStatus(t, err); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}

	_, err = do(`{}`)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := httpStatus(t, err); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestHandler_Transition_InvalidState(t *testing.T) {
	f, h, e := newTestHandler(t)
	p := f.create(t, singleSpec(KindProcedure, at(0, 9, 0)))

	do := func(situacao Situacao) error {
		body := `{"situacao":"` + string(situacao) + `","professional_id":"` + f.nurseA.String() + `"}`
		c := e.NewContext(jsonRequest(http.MethodPut, body), httptest.NewRecorder())
		c.SetParamNames("id", "activityId")
		c.SetParamValues(p.ID.String(), p.Activities[0].ID.String())
		return h.Transition(c)
	}

	if err := do(SituacaoExecuted); err != nil {
		t.Fatalf("execute: %v", err)
	}
	err := do(SituacaoInProgress)
	if err == nil {
		t.Fatal("expected error leaving EXECUTED")
	}
	if got := httpStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
}

func TestHandler_List_InvalidStatus(t *testing.T) {
	_, h, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=OPEN", nil), httptest.NewRecorder())

	err := h.List(c)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := httpStatus(t, err); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestHandler_ListOverdue(t *testing.T) {
	f, h, e := newTestHandler(t)
	f.create(t, singleSpec(KindProcedure, at(0, 9, 0)))
	f.create(t, singleSpec(KindProcedure, at(0, 11, 0)))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?at=2026-03-10T10:00:00Z", nil), rec)
	if err := h.ListOverdue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected one overdue procedure, got %d", resp.Total)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?at=yesterday", nil), httptest.NewRecorder())
	if err := h.ListOverdue(c); err == nil {
		t.Error("expected error for malformed at")
	}
}

func TestHandler_Routes_RoleGate(t *testing.T) {
	f, h, e := newTestHandler(t)
	p := f.create(t, singleSpec(KindProcedure, at(0, 9, 0)))

	role := auth.RolePhysician
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), f.nurseA.String(), []string{role})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	serve := func(method, path, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := serve(http.MethodGet, "/api/v1/procedures/"+p.ID.String(), ""); got != http.StatusOK {
		t.Errorf("physician read: expected 200, got %d", got)
	}
	if got := serve(http.MethodPost, "/api/v1/procedures/"+p.ID.String()+"/claim", `{}`); got != http.StatusForbidden {
		t.Errorf("physician claim: expected 403, got %d", got)
	}
	if got := serve(http.MethodGet, "/api/v1/procedures/cancellation-reasons", ""); got != http.StatusOK {
		t.Errorf("catalogue: expected 200, got %d", got)
	}

	role = auth.RoleNurse
	if got := serve(http.MethodPost, "/api/v1/procedures/"+p.ID.String()+"/claim", `{}`); got != http.StatusOK {
		t.Errorf("nurse claim: expected 200, got %d", got)
	}
}
