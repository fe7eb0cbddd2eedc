package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("claim procedure: %w", Conflict("procedure is not awaiting"))
	if got := KindOf(err); got != KindStateConflict {
		t.Errorf("expected %s, got %s", KindStateConflict, got)
	}
	if !Is(err, KindStateConflict) {
		t.Error("expected Is to match wrapped kind")
	}
	if Is(err, KindNotFound) {
		t.Error("expected Is to reject other kind")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Errorf("expected empty kind, got %s", got)
	}
	if Is(nil, KindValidation) {
		t.Error("nil error must not match")
	}
}

func TestChecklistIncomplete_CopiesFields(t *testing.T) {
	fields := []string{"doseCerta", "viaCerta"}
	err := ChecklistIncomplete(fields)
	fields[0] = "changed"
	got := FieldsOf(err)
	if len(got) != 2 || got[0] != "doseCerta" {
		t.Errorf("unexpected fields: %v", got)
	}
	if err.Error() != "checklist incomplete: doseCerta, viaCerta" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("x is required"), http.StatusBadRequest},
		{NotFound("procedure not found"), http.StatusNotFound},
		{Conflict("already claimed"), http.StatusConflict},
		{InvalidState("not pending"), http.StatusConflict},
		{Ordering("before initial"), http.StatusUnprocessableEntity},
		{Window("beyond 24h"), http.StatusUnprocessableEntity},
		{SequenceLocked("series executed"), http.StatusConflict},
		{Authentication("bad password"), http.StatusUnauthorized},
		{LicenseInvalid("bad license"), http.StatusUnprocessableEntity},
		{ChecklistIncomplete([]string{"doseCerta"}), http.StatusUnprocessableEntity},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHTTPError_Body(t *testing.T) {
	he := HTTPError(ChecklistIncomplete([]string{"pacienteCerto"}))
	if he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", he.Code)
	}
	body, ok := he.Message.(Body)
	if !ok {
		t.Fatalf("expected Body message, got %T", he.Message)
	}
	if body.Error != KindChecklistIncomplete || len(body.Fields) != 1 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHTTPError_HidesInternal(t *testing.T) {
	he := HTTPError(errors.New("connection refused"))
	if he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", he.Code)
	}
	if he.Message != "internal server error" {
		t.Errorf("internal message leaked: %v", he.Message)
	}
	if he.Internal == nil {
		t.Error("expected internal error to be retained")
	}
}
