package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Kind classifies a domain failure so transports can map it without
// inspecting message text.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindStateConflict       Kind = "state_conflict"
	KindInvalidState        Kind = "invalid_state"
	KindOrderingViolation   Kind = "ordering_violation"
	KindWindowExceeded      Kind = "window_exceeded"
	KindSequenceLocked      Kind = "sequence_locked"
	KindAuthentication      Kind = "authentication"
	KindLicenseInvalid      Kind = "license_invalid"
	KindChecklistIncomplete Kind = "checklist_incomplete"
)

// Error is the single error type returned by domain services for expected
// rejections. Unexpected infrastructure failures stay plain wrapped errors.
type Error struct {
	Kind    Kind
	Message string
	// Fields lists the offending field names, when the kind carries them.
	Fields []string
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
	}
	return e.Message
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindStateConflict, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return newf(KindInvalidState, format, args...)
}

func Ordering(format string, args ...interface{}) *Error {
	return newf(KindOrderingViolation, format, args...)
}

func Window(format string, args ...interface{}) *Error {
	return newf(KindWindowExceeded, format, args...)
}

func SequenceLocked(format string, args ...interface{}) *Error {
	return newf(KindSequenceLocked, format, args...)
}

func Authentication(format string, args ...interface{}) *Error {
	return newf(KindAuthentication, format, args...)
}

func LicenseInvalid(format string, args ...interface{}) *Error {
	return newf(KindLicenseInvalid, format, args...)
}

// ChecklistIncomplete reports the checklist items that are not confirmed.
func ChecklistIncomplete(fields []string) *Error {
	return &Error{
		Kind:    KindChecklistIncomplete,
		Message: "checklist incomplete",
		Fields:  append([]string(nil), fields...),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FieldsOf returns the fields carried by a domain error, if any.
func FieldsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

var statusByKind = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindNotFound:            http.StatusNotFound,
	KindStateConflict:       http.StatusConflict,
	KindInvalidState:        http.StatusConflict,
	KindOrderingViolation:   http.StatusUnprocessableEntity,
	KindWindowExceeded:      http.StatusUnprocessableEntity,
	KindSequenceLocked:      http.StatusConflict,
	KindAuthentication:      http.StatusUnauthorized,
	KindLicenseInvalid:      http.StatusUnprocessableEntity,
	KindChecklistIncomplete: http.StatusUnprocessableEntity,
}

// StatusCode maps an error to an HTTP status. Errors without a kind are 500.
func StatusCode(err error) int {
	if code, ok := statusByKind[KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Body is the JSON error envelope returned to clients.
type Body struct {
	Error   Kind     `json:"error"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// HTTPError converts err into an *echo.HTTPError. Internal errors are not
// echoed back to the client.
func HTTPError(err error) *echo.HTTPError {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(StatusCode(err), Body{
		Error:   e.Kind,
		Message: e.Message,
		Fields:  e.Fields,
	})
}
