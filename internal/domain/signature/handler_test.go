package signature

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/quickcare/internal/platform/auth"
	"github.com/ehr/quickcare/internal/platform/validation"
)

func newTestHandler(t *testing.T) (*fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Validator = validation.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), f.nurse.String(), []string{auth.RoleNurse})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(api)
	return f, e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.RemoteAddr = "10.1.2.3:51000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_EnrollAndSign(t *testing.T) {
	f, e := newTestHandler(t)

	rec := serve(e, http.MethodPost, "/api/v1/signing-credentials",
		`{"signing_secret":"`+secretA+`","license_number":"`+licenseA+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "hash") {
		t.Errorf("credential hash leaked: %s", rec.Body.String())
	}

	path := "/api/v1/procedures/" + f.procedure.String() + "/activities/" + f.activity.String() + "/signature"
	body := `{"login_password":"` + loginA + `","signing_password":"` + secretA + `","license_number":"` + licenseA + `"}`
	rec = serve(e, http.MethodPost, path, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sign: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var r Record
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.OriginAddress != "10.1.2.3" || r.ProfessionalID != f.nurse {
		t.Errorf("unexpected record: %+v", r)
	}

	rec = serve(e, http.MethodPost, path, body)
	if rec.Code != http.StatusConflict {
		t.Errorf("re-sign: expected 409, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/api/v1/activities/"+f.activity.String()+"/signature", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get signature: expected 200, got %d", rec.Code)
	}
	var got struct {
		Digest string `json:"digest"`
		Valid  bool   `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Valid || got.Digest != r.Digest {
		t.Errorf("unexpected verification: %+v", got)
	}

	rec = serve(e, http.MethodGet, "/api/v1/professionals/"+f.nurse.String()+"/signatures", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("list signatures: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_SignErrors(t *testing.T) {
	f, e := newTestHandler(t)
	f.enroll(t)
	path := "/api/v1/procedures/" + f.procedure.String() + "/activities/" + f.activity.String() + "/signature"

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing passwords", `{"license_number":"` + licenseA + `"}`, http.StatusBadRequest},
		{"wrong login", `{"login_password":"x","signing_password":"` + secretA + `","license_number":"` + licenseA + `"}`, http.StatusUnauthorized},
		{"bad license", `{"login_password":"` + loginA + `","signing_password":"` + secretA + `","license_number":"COREN-SP-1"}`, http.StatusUnprocessableEntity},
		{"impersonation", `{"professional_id":"` + uuid.New().String() + `","login_password":"` + loginA + `","signing_password":"` + secretA + `","license_number":"` + licenseA + `"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodPost, path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := serve(e, http.MethodPost, "/api/v1/procedures/nope/activities/"+f.activity.String()+"/signature", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", rec.Code)
	}
}

func TestHandler_GetCredential(t *testing.T) {
	f, e := newTestHandler(t)
	rec := serve(e, http.MethodGet, "/api/v1/signing-credentials/"+f.nurse.String(), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enrolled":false`) {
		t.Errorf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/v1/activities/"+uuid.New().String()+"/signature", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing signature: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Guard(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	e.Validator = validation.New()
	blocked := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
	}
	api := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), f.nurse.String(), []string{auth.RoleNurse})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(api, blocked)

	if rec := serve(e, http.MethodPost, "/signing-credentials", `{}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected guarded enrollment, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/signing-credentials/"+f.nurse.String(), ""); rec.Code != http.StatusOK {
		t.Errorf("reads must not be guarded, got %d", rec.Code)
	}
}
